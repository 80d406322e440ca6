package cmd

import (
	"github.com/spf13/cobra"
)

func newUpdateCmd() *cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update [ref...]",
		Short: "Update installed add-ons",
		Long: `Updates the named add-ons, or every installed add-on when none are
named, to the newest release their constraint allows. Pinned add-ons are
left alone unless --force is given.`,
		RunE: runUpdate,
	}

	addBatchFlags(updateCmd, false, true)
	updateCmd.Flags().Bool("prerelease", false, "switch the named add-ons to beta and alpha builds")
	return updateCmd
}

func runUpdate(cmd *cobra.Command, args []string) error {
	refs, err := parseRefs(args)
	if err != nil {
		return err
	}
	applyPrerelease(cmd, refs)

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rep, err := s.Update(cmd.Context(), refs, batchOptions(cmd))
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), rep)
}
