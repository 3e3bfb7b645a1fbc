package cmd

import (
	"errors"
	"fmt"

	"github.com/phraemer/gencache/pkg/store"
	"github.com/phraemer/gencache/pkg/treehash"
	"github.com/spf13/cobra"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a cached build into the build directory",
		Long: `Copies the cached build for the source directories (or for --key) into the
build directory. Exits with status 1 when nothing is cached for the key.`,
		RunE: runFetch,
	}
	addSourceFlag(cmd)
	cmd.Flags().String("key", "", "fetch this key instead of hashing --source")
	cmd.Flags().String("build", "", "path to the output directory of the build")
	cmd.MarkFlagRequired("build")
	cmd.MarkFlagsMutuallyExclusive("source", "key")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	buildDir, err := cmd.Flags().GetString("build")
	if err != nil {
		return err
	}
	rawKey, err := cmd.Flags().GetString("key")
	if err != nil {
		return err
	}

	c, err := openCache(cmd)
	if err != nil {
		return err
	}

	var key treehash.Key
	if rawKey != "" {
		if key, err = treehash.ParseKey(rawKey); err != nil {
			return err
		}
	} else {
		if key, err = sourceKey(cmd); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Source directories hash %s\n", key)
	}

	err = c.Fetch(cmd.Context(), key, buildDir)
	if errors.Is(err, store.ErrCacheMiss) {
		fmt.Fprintf(cmd.OutOrStdout(), "Not in cache: %s\n", key)
		return reportedError{err}
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Fetched %s into %s\n", key, buildDir)
	return nil
}
