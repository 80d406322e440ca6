package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/project"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new addonpkg project",
		Long: `Creates an addonpkg.toml manifest, records the add-on directory in
addonpkg.local.toml and keeps that file out of git.`,
		RunE: runInit,
		// init does not need settings resolution; skip the root PersistentPreRunE.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	name := project.InferName(wd)

	if err := project.Init(wd, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", project.ManifestFile)

	addonDir := flagAddonDir
	if addonDir == "" && !flagNoPrompt {
		if addonDir, err = promptAddonDir(); err != nil {
			return err
		}
	}
	if addonDir != "" {
		if err := config.WriteLocalSettings(wd, &config.Settings{AddonDir: addonDir}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", config.LocalConfigFile)
	}

	added, err := project.EnsureGitignore(wd, project.IgnoredFiles)
	if err != nil {
		return err
	}
	for _, entry := range added {
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to .gitignore\n", entry)
	}

	return nil
}

// promptAddonDir asks for the game's AddOns directory. An empty answer
// leaves it unset.
func promptAddonDir() (string, error) {
	var dir string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Where is your Interface/AddOns directory?").
				Description("Leave empty to set it later with --addon-dir.").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					info, err := os.Stat(s)
					if err != nil {
						return err
					}
					if !info.IsDir() {
						return fmt.Errorf("%s is not a directory", s)
					}
					return nil
				}).
				Value(&dir),
		),
	).Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}

	return dir, nil
}
