package cmd

import (
	"github.com/spf13/cobra"
)

func newPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin [ref...]",
		Short: "Keep add-ons at their installed version",
		Long:  "Pinned add-ons are skipped by update and sync unless --force is given.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPin(cmd, args, true)
		},
	}
}

func newUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin [ref...]",
		Short: "Let update move pinned add-ons again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPin(cmd, args, false)
		},
	}
}

func runPin(cmd *cobra.Command, args []string, pinned bool) error {
	refs, err := parseRefs(args)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if pinned {
		return printResults(cmd.OutOrStdout(), s.Pin(cmd.Context(), refs))
	}
	return printResults(cmd.OutOrStdout(), s.Unpin(cmd.Context(), refs))
}
