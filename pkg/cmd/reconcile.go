package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Adopt add-ons installed by hand",
		Long: `Matches add-on folders addonpkg did not install to their source by
the project ids in their .toc files. With --install the matches are
installed over the existing folders so addonpkg manages them from then on.`,
		Args: cobra.NoArgs,
		RunE: runReconcile,
	}

	reconcileCmd.Flags().Bool("install", false, "install the matched add-ons")
	addBatchFlags(reconcileCmd, false, true)
	return reconcileCmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	install, _ := cmd.Flags().GetBool("install")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rep, err := s.Reconcile(cmd.Context(), install, batchOptions(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rep.Install != nil {
		if err := printReport(out, rep.Install); err != nil {
			return err
		}
	} else {
		for _, m := range rep.Matches {
			fmt.Fprintf(out, "%s %s %s\n", okColor.Sprint("✓"), m.Ref, dimColor.Sprint(strings.Join(m.Folders, " ")))
		}
		if len(rep.Matches) > 0 {
			fmt.Fprintln(out, dimColor.Sprint("run with --install to adopt these add-ons"))
		}
	}
	if len(rep.Unmatched) > 0 {
		fmt.Fprintf(out, "%s no source found for %s\n", warnColor.Sprint("!"), strings.Join(rep.Unmatched, ", "))
	}
	return nil
}
