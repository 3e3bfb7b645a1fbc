package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/phraemer/gencache/pkg/config"
	"github.com/phraemer/gencache/pkg/log"
	"github.com/phraemer/gencache/pkg/store"
	"github.com/phraemer/gencache/pkg/treehash"
	"github.com/spf13/cobra"
)

type configKey struct{}

func NewRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "gencache",
		Short: "Content-addressed build cache",
		Long: `gencache stores and fetches build output directories keyed by a hash of
the source directory trees that produced them.

The key covers the bytes of every source file, visited in sorted name order.
Files and directories starting with "." or "__" are skipped.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = log.WithLogger(ctx, log.New(cmd.ErrOrStderr(), cfg.Verbose))
			ctx = context.WithValue(ctx, configKey{}, cfg)
			cmd.SetContext(ctx)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file to use instead of ./"+config.FileName)
	flags.String("cache", "", "path to the cache directory")
	flags.String("max-cache", "", "size limit for the cache directory with a unit (e.g. 25GB, 500MiB, 1024B; 0 for none)")
	flags.StringSlice("exclude", nil, "name prefixes to skip when hashing sources (default \".,__\")")
	flags.String("salt", "", "extra input mixed into every key")
	flags.Bool("verify", true, "compare against an existing entry when its key is already cached")
	flags.BoolP("verbose", "v", false, "verbose output")

	root.AddCommand(newInitCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newStoreCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newPruneCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newClearCmd())

	return root
}

func Execute() {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		reportError(root.ErrOrStderr(), err)
		os.Exit(1)
	}
}

// reportedError marks an error the command has already explained on its
// own output.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// reportError prints err unless the command already did.
func reportError(w io.Writer, err error) {
	var reported reportedError
	if errors.As(err, &reported) {
		return
	}
	fmt.Fprintln(w, "Error:", err)
}

// configFrom returns the configuration resolved by the root command.
func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// openCache opens the configured cache root.
func openCache(cmd *cobra.Command) (*store.Cache, error) {
	cfg := configFrom(cmd)
	maxBytes, err := cfg.MaxBytes()
	if err != nil {
		return nil, err
	}

	c, err := store.Open(cfg.Cache,
		store.WithMaxBytes(maxBytes),
		store.WithVerifyCollisions(cfg.VerifyCollisions),
	)
	if errors.Is(err, store.ErrInvalidPath) {
		return nil, fmt.Errorf("%w (create it first, e.g. with `gencache init`)", err)
	}
	return c, err
}

func newHasher(cmd *cobra.Command) *treehash.Hasher {
	cfg := configFrom(cmd)
	return &treehash.Hasher{Exclude: cfg.Exclude, Salt: cfg.Salt}
}
