package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the s3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS configuration. An empty region
// keeps the region from the environment or shared config.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Store reads and writes whole files at local or s3 locations.
type Store struct {
	// S3 is used for s3 locations. It may be nil when only local paths
	// are used.
	S3 S3API
	// TempSuffix names the temporary file a local write goes through
	// before it is renamed into place.
	TempSuffix string
}

// Read returns the contents of a location.
func (s *Store) Read(ctx context.Context, loc Location) ([]byte, error) {
	if !loc.IsS3() {
		return os.ReadFile(loc.Path)
	}
	if s.S3 == nil {
		return nil, fmt.Errorf("read %s: no s3 client", loc)
	}
	out, err := s.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return data, nil
}

// Write replaces the contents of a location. Local files are written
// to TempPath first so that readers never see a partial file.
func (s *Store) Write(ctx context.Context, loc Location, data []byte) error {
	if loc.IsS3() {
		if s.S3 == nil {
			return fmt.Errorf("write %s: no s3 client", loc)
		}
		_, err := s.S3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", loc, err)
		}
		return nil
	}
	tmp := s.TempPath(loc)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, loc.Path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// TempPath returns the temporary file used when writing a local
// location.
func (s *Store) TempPath(loc Location) string {
	suffix := s.TempSuffix
	if suffix == "" {
		suffix = ".tmp"
	}
	return loc.Path + suffix
}
