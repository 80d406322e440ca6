package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// newTable returns a table with the styling list and search share.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func newListCmd() *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed add-ons",
		Args:    cobra.NoArgs,
		RunE:    runList,
	}
	listCmd.Flags().String("format", "table", "output format: table or json")
	return listCmd
}

func runList(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q (want table or json)", format)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	installed, err := s.List(cmd.Context())
	if err != nil {
		return err
	}
	if format == "json" {
		return writeListJSON(cmd.OutOrStdout(), installed)
	}
	if len(installed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No add-ons installed")
		return nil
	}

	t := newTable("Add-on", "Version", "Source", "Folders", "Flags")
	for _, a := range installed {
		var flags []string
		if a.Pinned {
			flags = append(flags, "pinned")
		}
		if a.Prerelease {
			flags = append(flags, "prerelease")
		}
		if !a.Enabled {
			flags = append(flags, "disabled")
		}
		if a.Constraint != "" {
			flags = append(flags, a.Constraint)
		}
		t.Row(a.Name, a.Version, a.Key().String(), strings.Join(a.Files, " "), strings.Join(flags, ", "))
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return nil
}

type listEntry struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Slug         string   `json:"slug,omitempty"`
	Version      string   `json:"version"`
	Constraint   string   `json:"constraint,omitempty"`
	Prerelease   bool     `json:"prerelease"`
	Pinned       bool     `json:"pinned"`
	Enabled      bool     `json:"enabled"`
	InstalledAt  string   `json:"installed_at"`
	Folders      []string `json:"folders"`
	Dependencies []string `json:"dependencies"`
}

func writeListJSON(w io.Writer, installed []*addon.InstalledAddon) error {
	entries := make([]listEntry, 0, len(installed))
	for _, a := range installed {
		e := listEntry{
			Key:          a.Key().String(),
			Name:         a.Name,
			Slug:         a.Slug,
			Version:      a.Version,
			Constraint:   a.Constraint,
			Prerelease:   a.Prerelease,
			Pinned:       a.Pinned,
			Enabled:      a.Enabled,
			InstalledAt:  a.InstalledAt.UTC().Format(time.RFC3339),
			Folders:      a.Files,
			Dependencies: []string{},
		}
		if e.Folders == nil {
			e.Folders = []string{}
		}
		for _, d := range a.Dependencies {
			e.Dependencies = append(e.Dependencies, d.String())
		}
		entries = append(entries, e)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
