package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/deepnoodle-ai/autostack"
	"github.com/deepnoodle-ai/autostack/internal/archive"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tebeka/atexit"
)

var jarCmd = &cobra.Command{
	Use:   "jar <in> [out]",
	Short: "Transform every class of a jar",
	Long: `Transform every class of a jar and write the result to out, or back to
in when out is omitted. Locations may be local paths or s3://bucket/key.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: jarHandler,
}

func init() {
	jarCmd.Flags().Bool("keep-going", true, "write the jar even if some methods could not be transformed")
	viper.BindPFlag("keep-going", jarCmd.Flags().Lookup("keep-going"))
}

func jarHandler(cmd *cobra.Command, args []string) error {
	in, err := archive.ParseLocation(args[0])
	if err != nil {
		return err
	}
	out := in
	if len(args) == 2 {
		if out, err = archive.ParseLocation(args[1]); err != nil {
			return err
		}
	}
	tr, err := newTransformer()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := newStore(ctx, in, out)
	if err != nil {
		return err
	}
	if !out.IsS3() {
		tmp := store.TempPath(out)
		atexit.Register(func() { os.Remove(tmp) })
	}

	data, err := store.Read(ctx, in)
	if err != nil {
		return err
	}
	result, stats, err := transformJar(ctx, tr, data, viper.GetInt("workers"))
	if result == nil {
		return err
	}
	logger.Info().
		Str("in", in.String()).
		Int("entries", stats.Entries).
		Int("classes", stats.Classes).
		Int("changed", stats.Changed).
		Int("failed", stats.Failed).
		Msg("jar transformed")
	if err != nil {
		if !viper.GetBool("keep-going") {
			return err
		}
		if merr, ok := err.(*multierror.Error); ok {
			for _, e := range merr.Errors {
				logger.Warn().Err(e).Msg("class left unchanged")
			}
		} else {
			logger.Warn().Err(err).Msg("class left unchanged")
		}
	}
	if stats.Changed == 0 && out == in {
		logger.Info().Msg("nothing to transform")
		return nil
	}
	if err := store.Write(ctx, out, result); err != nil {
		return err
	}
	logger.Info().Str("out", out.String()).Msg("jar written")
	return nil
}

// transformJar runs the transformer over every class entry. A nil result
// means the jar itself could not be processed.
func transformJar(ctx context.Context, tr *autostack.Transformer, data []byte, workers int) ([]byte, *archive.Stats, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	result, stats, err := archive.Rewrite(ctx, data, workers, func(_ context.Context, unit string, class []byte) ([]byte, error) {
		return tr.Transform(unit, class)
	})
	if err != nil && stats == nil {
		return nil, nil, fmt.Errorf("transform jar: %w", err)
	}
	return result, stats, err
}

func newStore(ctx context.Context, locs ...archive.Location) (*archive.Store, error) {
	store := &archive.Store{TempSuffix: ".autostack-" + runID + ".tmp"}
	for _, loc := range locs {
		if !loc.IsS3() {
			continue
		}
		client, err := archive.NewS3Client(ctx, viper.GetString("region"))
		if err != nil {
			return nil, err
		}
		store.S3 = client
		break
	}
	return store, nil
}
