package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/manager"
	"github.com/addonpkg/addonpkg/pkg/project"
)

func newInstallCmd() *cobra.Command {
	installCmd := &cobra.Command{
		Use:   "install [ref...]",
		Short: "Install add-ons",
		Long: `Resolves each add-on and its dependencies and installs whatever is
missing or out of date.

A ref is source:id[@constraint], a bare name looked up in the catalogue,
an add-on page URL or a local folder or zip starting with ./, ../ or /.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runInstall,
	}

	addBatchFlags(installCmd, true, true)
	installCmd.Flags().Bool("save", false, "add the installed add-ons to addonpkg.toml")
	installCmd.Flags().Bool("prerelease", false, "allow beta and alpha builds and remember the choice")
	return installCmd
}

func runInstall(cmd *cobra.Command, args []string) error {
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

	rep, err := s.Install(cmd.Context(), refs, batchOptions(cmd))
	if err != nil {
		return err
	}
	failed := printReport(cmd.OutOrStdout(), rep)

	if save, _ := cmd.Flags().GetBool("save"); save {
		if err := saveResults(cmd, rep.Results, true); err != nil {
			return err
		}
	}
	return failed
}

// saveResults adds (or with add unset, removes) the requested add-ons of
// results to the manifest in the working directory.
func saveResults(cmd *cobra.Command, results []manager.Result, add bool) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	m, err := project.LoadManifest(wd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no %s here; run addonpkg init first", project.ManifestFile)
		}
		return err
	}
	if m.Addons == nil {
		m.Addons = map[string]config.AddonEntry{}
	}

	changed := false
	for _, res := range results {
		if res.Err != nil || res.Dependency || res.Key.ID == "" {
			continue
		}
		key := res.Key.String()
		if add {
			entry := m.Addons[key]
			entry.Version = res.Ref.Constraint
			entry.Prerelease = res.Ref.Prerelease
			m.Addons[key] = entry
			changed = true
			continue
		}
		if _, ok := m.Addons[key]; ok {
			delete(m.Addons, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	if err := config.SaveFile(filepath.Join(wd, project.ManifestFile), m); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", project.ManifestFile)
	return nil
}
