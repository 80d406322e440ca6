package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/installer"
	"github.com/addonpkg/addonpkg/pkg/manager"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

// summaryOrder fixes the order of the counts in the summary line.
var summaryOrder = []struct {
	key, label string
}{
	{string(installer.ActionInstall), "installed"},
	{string(installer.ActionUpdate), "updated"},
	{string(installer.ActionRemove), "removed"},
	{string(installer.ActionNoop), "unchanged"},
	{"failed", "failed"},
}

// printReport writes one line per result, the resolver warnings and a
// summary. It returns the report's error so commands exit non-zero when
// any add-on failed.
func printReport(w io.Writer, rep *manager.Report) error {
	for _, res := range rep.Results {
		printResult(w, res)
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnColor.Sprint("!"), warning)
	}

	counts := rep.Counts()
	var parts []string
	for _, s := range summaryOrder {
		if n := counts[s.key]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s.label))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintln(w, dimColor.Sprint(strings.Join(parts, ", ")))
	}
	return rep.Err()
}

func printResult(w io.Writer, res manager.Result) {
	msg := res.Message()
	if res.Dependency {
		msg += dimColor.Sprint(" (dependency)")
	}

	switch {
	case res.Err != nil:
		fmt.Fprintf(w, "%s %s\n", failColor.Sprint("✗"), msg)
	case res.Action == installer.ActionNoop:
		fmt.Fprintf(w, "%s %s\n", dimColor.Sprint("-"), msg)
	default:
		fmt.Fprintf(w, "%s %s\n", okColor.Sprint("✓"), msg)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warnColor.Sprint("!"), warning)
	}
}

// printResults is printReport for operations without a batch report.
func printResults(w io.Writer, results []manager.Result) error {
	return printReport(w, &manager.Report{Results: results})
}

func parseRefs(args []string) ([]addon.AddonRef, error) {
	refs := make([]addon.AddonRef, 0, len(args))
	for _, arg := range args {
		ref, err := addon.ParseRef(arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// applyPrerelease marks every ref when --prerelease is set.
func applyPrerelease(cmd *cobra.Command, refs []addon.AddonRef) {
	if pre, _ := cmd.Flags().GetBool("prerelease"); pre {
		for i := range refs {
			refs[i].Prerelease = true
		}
	}
}

// addBatchFlags registers the flags shared by commands that change the
// add-on directory.
func addBatchFlags(cmd *cobra.Command, replace, noDeps bool) {
	cmd.Flags().Bool("force", false, "reinstall up-to-date and pinned add-ons and ignore dependents on removal")
	if replace {
		cmd.Flags().Bool("replace", false, "take over folders not installed by addonpkg")
	}
	if noDeps {
		cmd.Flags().Bool("no-deps", false, "do not install dependencies")
	}
}

// batchOptions reads the flags addBatchFlags registered.
func batchOptions(cmd *cobra.Command) manager.Options {
	var opts manager.Options
	opts.Force, _ = cmd.Flags().GetBool("force")
	opts.Replace, _ = cmd.Flags().GetBool("replace")
	opts.NoDeps, _ = cmd.Flags().GetBool("no-deps")
	if !flagNoPrompt {
		opts.Choose = chooseCandidate
	}
	return opts
}

// chooseCandidate asks which of several catalogue entries a bare name meant.
func chooseCandidate(ref addon.AddonRef, candidates []addon.CatalogueEntry) (addon.CatalogueEntry, error) {
	options := make([]huh.Option[int], len(candidates))
	for i, c := range candidates {
		options[i] = huh.NewOption(fmt.Sprintf("%s (%s:%s)", c.Name, c.Source, c.ID), i)
	}

	var picked int
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title(fmt.Sprintf("%q matches several add-ons", ref.ID)).
				Options(options...).
				Value(&picked),
		),
	).Run()
	if err != nil {
		return addon.CatalogueEntry{}, fmt.Errorf("prompt failed: %w", err)
	}

	return candidates[picked], nil
}
