package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the add-on catalogue",
		Long: `Searches the names of every add-on the sources list. The catalogue
is refreshed first when it is older than catalogue_refresh.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearch,
	}

	searchCmd.Flags().IntP("limit", "n", 20, "maximum number of results")
	return searchCmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	hits, err := s.Search(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matches")
		return nil
	}

	t := newTable("Name", "Ref", "Slug")
	for _, e := range hits {
		t.Row(e.Name, e.Ref().String(), e.Slug)
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.String())
	return nil
}
