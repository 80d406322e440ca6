package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/project"
)

func newExportCmd() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a manifest of the installed add-ons",
		Long: `Writes an addonpkg.toml that reproduces the current installation with
sync. Pinned add-ons are exported at their installed version.`,
		Args: cobra.NoArgs,
		RunE: runExport,
	}

	exportCmd.Flags().StringP("output", "o", project.ManifestFile, "file to write")
	exportCmd.Flags().String("name", "", "project name (default the working directory's name)")
	return exportCmd
}

func runExport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("output")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		name = project.InferName(wd)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := s.Export(cmd.Context(), path, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d add-ons to %s\n", len(m.Addons), path)
	return nil
}
