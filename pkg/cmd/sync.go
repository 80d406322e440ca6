package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/project"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Make the add-on directory match addonpkg.toml",
		Long: `Installs the add-ons addonpkg.toml lists, updates outdated ones and
removes installed add-ons it no longer names, directly or as a dependency.
Entries that cannot be resolved leave their installed add-on untouched.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	addBatchFlags(syncCmd, true, true)
	syncCmd.Flags().StringP("file", "f", "", "manifest to sync (default addonpkg.toml in the working directory)")
	return syncCmd
}

func runSync(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		m, err := project.LoadManifest(wd)
		if err != nil {
			return err
		}
		return syncManifest(cmd, m)
	}

	m, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	return syncManifest(cmd, m)
}

func syncManifest(cmd *cobra.Command, m *config.Manifest) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rep, err := s.Sync(cmd.Context(), m, batchOptions(cmd))
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), rep)
}
