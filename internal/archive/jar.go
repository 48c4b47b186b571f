// Package archive rewrites the class entries of jar files and moves
// files between local disk and s3.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// EntryFunc rewrites one class. It returns nil bytes to keep the entry
// unchanged. Returning bytes together with an error keeps the bytes and
// records the error.
type EntryFunc func(ctx context.Context, unitName string, data []byte) ([]byte, error)

// Stats counts what a Rewrite did.
type Stats struct {
	Entries int
	Classes int
	Changed int
	Failed  int
}

// UnitName returns the class name of a jar entry, or false for entries
// that are not classes. Multi-release entries map to their class name.
func UnitName(entry string) (string, bool) {
	name, ok := strings.CutSuffix(entry, ".class")
	if !ok || strings.HasSuffix(entry, "/") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(name, "META-INF/versions/"); ok {
		_, name, ok = strings.Cut(rest, "/")
		if !ok {
			return "", false
		}
	} else if strings.HasPrefix(name, "META-INF/") {
		return "", false
	}
	if name == "module-info" || strings.HasSuffix(name, "/package-info") || name == "package-info" {
		return "", false
	}
	return name, true
}

// Rewrite passes every class entry of a jar through fn, using up to
// workers goroutines, and writes a new jar. Entries keep their order,
// names, timestamps and comments; entries fn leaves alone are copied
// without recompression. Errors from fn are collected and returned with
// the new jar; a nil jar means the input could not be read or written.
func Rewrite(ctx context.Context, jar []byte, workers int, fn EntryFunc) ([]byte, *Stats, error) {
	r, err := zip.NewReader(bytes.NewReader(jar), int64(len(jar)))
	if err != nil {
		return nil, nil, fmt.Errorf("read jar: %w", err)
	}
	stats := &Stats{Entries: len(r.File)}
	results := make([][]byte, len(r.File))
	errs := make([]error, len(r.File))
	var classes, changed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, f := range r.File {
		i, f := i, f
		unit, ok := UnitName(f.Name)
		if !ok {
			continue
		}
		classes.Add(1)
		g.Go(func() error {
			data, err := readEntry(f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, unit, data)
			if err != nil {
				failed.Add(1)
				errs[i] = fmt.Errorf("%s: %w", f.Name, err)
			}
			if out != nil {
				changed.Add(1)
				results[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	stats.Classes = int(classes.Load())
	stats.Changed = int(changed.Load())
	stats.Failed = int(failed.Load())

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if err := w.SetComment(r.Comment); err != nil {
		return nil, nil, err
	}
	for i, f := range r.File {
		if results[i] == nil {
			if err := w.Copy(f); err != nil {
				return nil, nil, fmt.Errorf("copy %s: %w", f.Name, err)
			}
			continue
		}
		// The original DOS time and extra fields carry the timestamp.
		hdr := f.FileHeader
		hdr.Method = zip.Deflate
		hdr.Modified = time.Time{}
		hdr.CRC32 = 0
		hdr.CompressedSize64 = 0
		hdr.UncompressedSize64 = 0
		entry, err := w.CreateHeader(&hdr)
		if err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
		if _, err := entry.Write(results[i]); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return buf.Bytes(), stats, merr.ErrorOrNil()
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Entries returns the class entries of a jar with their contents, in
// jar order.
func Entries(jar []byte) ([]string, [][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(jar), int64(len(jar)))
	if err != nil {
		return nil, nil, fmt.Errorf("read jar: %w", err)
	}
	var names []string
	var data [][]byte
	for _, f := range r.File {
		unit, ok := UnitName(f.Name)
		if !ok {
			continue
		}
		b, err := readEntry(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		names = append(names, unit)
		data = append(data, b)
	}
	return names, data, nil
}
