package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/phraemer/gencache/pkg/treehash"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm [key...]",
		Aliases: []string{"remove"},
		Short:   "Remove cached entries",
		Long: `Removes the entries for the given keys. Without arguments on a terminal,
prompts for the entries to remove.`,
		RunE: runRemove,
	}
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}
	cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	return cmd
}

func runRemove(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}

	keys := make([]treehash.Key, 0, len(args))
	for _, arg := range args {
		key, err := treehash.ParseKey(arg)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		if !interactive(cmd) {
			return fmt.Errorf("no keys given")
		}
		entries, err := c.Entries(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to remove")
			return nil
		}

		options := make([]huh.Option[treehash.Key], len(entries))
		for i, e := range entries {
			label := fmt.Sprintf("%s  %s  %s", e.Key.Short(), humanize.Bytes(uint64(e.Size)), humanize.Time(e.LastUsed))
			options[i] = huh.NewOption(label, e.Key)
		}

		err = huh.NewForm(
			huh.NewGroup(
				huh.NewMultiSelect[treehash.Key]().
					Title("Select entries to remove").
					Options(options...).
					Value(&keys),
			),
		).Run()
		if err != nil {
			return fmt.Errorf("selection prompt failed: %w", err)
		}
		if len(keys) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing selected")
			return nil
		}
	}

	for _, key := range keys {
		if err := c.Remove(key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", key)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}

	c, err := openCache(cmd)
	if err != nil {
		return err
	}

	if !yes {
		if !interactive(cmd) {
			return fmt.Errorf("refusing to clear %s without --yes", c.Root())
		}
		confirmed := false
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Delete every entry in %s?", c.Root())).
					Value(&confirmed),
			),
		).Run()
		if err != nil {
			return fmt.Errorf("confirmation prompt failed: %w", err)
		}
		if !confirmed {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}

	n, err := c.Clear(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
	return nil
}

// interactive reports whether prompts can be shown.
func interactive(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
