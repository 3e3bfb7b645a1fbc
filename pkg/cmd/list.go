package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/phraemer/gencache/pkg/store"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached entries, least recently used first",
		Args:    cobra.NoArgs,
		RunE:    runList,
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table, json, or yaml")
	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	entries, err := c.Entries(cmd.Context())
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []store.Entry{}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling entries: %w", err)
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshaling entries: %w", err)
		}
		fmt.Fprint(out, string(data))
	case "table":
		if len(entries) == 0 {
			fmt.Fprintln(out, "Cache is empty")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tLAST USED")
		var total int64
		for _, e := range entries {
			total += e.Size
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, humanize.Bytes(uint64(e.Size)), humanize.Time(e.LastUsed))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d entries, %s\n", len(entries), humanize.Bytes(uint64(total)))
	default:
		return fmt.Errorf("unknown output format %q (want table, json, or yaml)", format)
	}
	return nil
}
