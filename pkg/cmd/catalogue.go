package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

func newCatalogueCmd() *cobra.Command {
	catalogueCmd := &cobra.Command{
		Use:     "catalogue",
		Aliases: []string{"catalog"},
		Short:   "Manage the add-on catalogue",
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the catalogue from every source",
		Long: `Downloads the add-on lists of every source that publishes one. A
source that fails keeps its previous entries.`,
		Args: cobra.NoArgs,
		RunE: runCatalogueRefresh,
	}
	refreshCmd.Flags().Bool("purge-cache", false, "drop cached source responses first")

	catalogueCmd.AddCommand(refreshCmd)
	return catalogueCmd
}

func runCatalogueRefresh(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if purge, _ := cmd.Flags().GetBool("purge-cache"); purge {
		s.PurgeCache()
	}

	rep := s.RefreshCatalogue(cmd.Context())
	out := cmd.OutOrStdout()

	var sources []addon.Source
	for src := range rep.Counts {
		sources = append(sources, src)
	}
	for src := range rep.Errors {
		if _, ok := rep.Counts[src]; !ok {
			sources = append(sources, src)
		}
	}
	slices.Sort(sources)

	for _, src := range sources {
		if err := rep.Errors[src]; err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", failColor.Sprint("✗"), src, err)
			continue
		}
		fmt.Fprintf(out, "%s %s: %d add-ons\n", okColor.Sprint("✓"), src, rep.Counts[src])
	}
	if len(rep.Errors) > 0 {
		return fmt.Errorf("%d of %d sources failed to refresh", len(rep.Errors), len(sources))
	}
	return nil
}
