package cmd

import (
	"fmt"

	"github.com/phraemer/gencache/pkg/treehash"
	"github.com/spf13/cobra"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the cache key of the source directories",
		RunE:  runKey,
	}
	addSourceFlag(cmd)
	return cmd
}

func runKey(cmd *cobra.Command, args []string) error {
	key, err := sourceKey(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func addSourceFlag(cmd *cobra.Command) {
	cmd.Flags().StringSlice("source", nil, "source directory (repeatable) whose contents generate the build")
}

// sourceKey hashes the directories given with --source.
func sourceKey(cmd *cobra.Command) (treehash.Key, error) {
	sources, err := cmd.Flags().GetStringSlice("source")
	if err != nil {
		return "", err
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("at least one --source directory is required")
	}
	return newHasher(cmd).ComputeKey(cmd.Context(), sources...)
}
