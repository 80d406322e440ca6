package cmd

import (
	"github.com/spf13/cobra"
)

func newRemoveCmd() *cobra.Command {
	removeCmd := &cobra.Command{
		Use:     "remove [ref...]",
		Aliases: []string{"uninstall", "rm"},
		Short:   "Remove installed add-ons",
		Long: `Deletes the folders of the named add-ons. An add-on that other
installed add-ons depend on is kept unless --force is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRemove,
	}

	addBatchFlags(removeCmd, false, false)
	removeCmd.Flags().Bool("save", false, "drop the removed add-ons from addonpkg.toml")
	return removeCmd
}

func runRemove(cmd *cobra.Command, args []string) error {
	refs, err := parseRefs(args)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rep, err := s.Remove(cmd.Context(), refs, batchOptions(cmd))
	if err != nil {
		return err
	}
	failed := printReport(cmd.OutOrStdout(), rep)

	if save, _ := cmd.Flags().GetBool("save"); save {
		if err := saveResults(cmd, rep.Results, false); err != nil {
			return err
		}
	}
	return failed
}
