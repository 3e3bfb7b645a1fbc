package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/phraemer/gencache/pkg/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the cache directory and a gencache.toml",
		Long: `Creates the configured cache directory if it does not exist and writes the
resolved settings to ./gencache.toml so later invocations can omit the flags.
An existing gencache.toml is left alone.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := configFrom(cmd)
	out := cmd.OutOrStdout()

	cacheDir, err := filepath.Abs(cfg.Cache)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %q: %w", cfg.Cache, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cacheDir, err)
	}
	fmt.Fprintf(out, "Cache directory %s\n", cacheDir)

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	path := filepath.Join(wd, config.FileName)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists\n", config.FileName)
		return nil
	}

	written := *cfg
	written.Cache = cacheDir
	written.Verbose = false
	if err := config.WriteFile(path, &written); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %s\n", config.FileName)
	return nil
}
