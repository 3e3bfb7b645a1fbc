package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Shrink the cache to its size limit",
		Long: `Deletes the least recently used entries until the cache fits in --max-cache,
and removes staging directories abandoned by interrupted stores. The most
recent entry is always kept.`,
		Args: cobra.NoArgs,
		RunE: runPrune,
	}
}

func runPrune(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}

	rep, err := c.Prune(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range rep.Evicted {
		fmt.Fprintf(out, "Purged %s (%s)\n", e.Key, humanize.Bytes(uint64(e.Size)))
	}
	for _, name := range rep.StaleStaging {
		fmt.Fprintf(out, "Removed abandoned %s\n", name)
	}
	fmt.Fprintf(out, "Cache size %s (was %s)\n", humanize.Bytes(uint64(rep.TotalAfter)), humanize.Bytes(uint64(rep.TotalBefore)))
	return nil
}
