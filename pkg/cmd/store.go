package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store a build output directory in the cache",
		Long: `Hashes the source directories and publishes the build directory under the
resulting key. If the key is already cached the existing entry is kept.
The cache is then shrunk to its size limit, oldest entries first.`,
		RunE: runStore,
	}
	addSourceFlag(cmd)
	cmd.Flags().String("build", "", "path to the output directory of the build")
	cmd.MarkFlagRequired("build")
	return cmd
}

func runStore(cmd *cobra.Command, args []string) error {
	buildDir, err := cmd.Flags().GetString("build")
	if err != nil {
		return err
	}

	c, err := openCache(cmd)
	if err != nil {
		return err
	}

	key, err := sourceKey(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source directories hash %s\n", key)

	res, err := c.Store(cmd.Context(), key, buildDir)
	if err != nil {
		return err
	}

	if res.Collision {
		fmt.Fprintf(out, "Already cached: %s\n", key)
	} else {
		fmt.Fprintf(out, "Stored %s\n", key)
	}
	if rep := res.Eviction; rep != nil {
		for _, e := range rep.Evicted {
			fmt.Fprintf(out, "Purged %s (%s)\n", e.Key, humanize.Bytes(uint64(e.Size)))
		}
		fmt.Fprintf(out, "Cache size %s\n", humanize.Bytes(uint64(rep.TotalAfter)))
	}
	return nil
}
