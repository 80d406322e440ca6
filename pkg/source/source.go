// Package source implements one adapter per add-on hosting service. An
// adapter turns an identifier and an optional version constraint into a
// Release, and a query into pages of catalogue hits. Adapters keep no state
// between calls beyond the explicit response cache they are given.
package source

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

type Adapter interface {
	// Source returns the tag this adapter is registered under.
	Source() addon.Source
	// Policy returns the concurrency ceiling and retry policy for calls
	// made through this adapter.
	Policy() Policy
	// Resolve returns the release of ref.ID that satisfies ref.Constraint,
	// considering pre-releases when ref.Prerelease is set. ref.Source is
	// ignored. Errors wrap addon.ErrNotFound, addon.ErrRateLimited (as
	// *addon.RateLimitError), addon.ErrSourceError or
	// addon.ErrConstraintUnsatisfiable.
	Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error)
	// Search returns one page of hits for query. pageToken is empty for the
	// first page; SearchPage.Next is empty after the last.
	Search(ctx context.Context, query, pageToken string) (*SearchPage, error)
}

// Lister is implemented by adapters whose host can enumerate every add-on
// in one call. The catalogue uses it for bulk refresh.
type Lister interface {
	ListAll(ctx context.Context) ([]addon.CatalogueEntry, error)
}

type SearchPage struct {
	Hits []addon.CatalogueEntry
	Next string
}

// Policy bounds how hard the resolver may drive a source.
type Policy struct {
	MaxConcurrent  int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout applies to each attempt, not to the whole retry sequence.
	Timeout time.Duration
}

// WithConcurrency returns a copy of p with the concurrency ceiling replaced
// when n is positive.
func (p Policy) WithConcurrency(n int) Policy {
	if n > 0 {
		p.MaxConcurrent = n
	}
	return p
}

// Hits walks every page of a search lazily. Iteration stops at the first
// error, which is yielded with a zero entry. Calling Hits again restarts
// from the first page.
func Hits(ctx context.Context, a Adapter, query string) iter.Seq2[addon.CatalogueEntry, error] {
	return func(yield func(addon.CatalogueEntry, error) bool) {
		token := ""
		for {
			page, err := a.Search(ctx, query, token)
			if err != nil {
				yield(addon.CatalogueEntry{}, err)
				return
			}
			for _, hit := range page.Hits {
				if !yield(hit, nil) {
					return
				}
			}
			if page.Next == "" || page.Next == token {
				return
			}
			token = page.Next
		}
	}
}

// sortNewestFirst orders releases by publish time, newest first, keeping
// the host's order for equal times.
func sortNewestFirst(rels []*addon.Release) {
	slices.SortStableFunc(rels, func(a, b *addon.Release) int {
		return b.Published.Compare(a.Published)
	})
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a URL-style slug from a display name.
func slugify(name string) string {
	return strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// filterPage returns one page of the entries whose name or slug contains
// query. The page token is the offset into the filtered list.
func filterPage(entries []addon.CatalogueEntry, query, pageToken string, size int) (*SearchPage, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var matches []addon.CatalogueEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(e.Slug, q) {
			matches = append(matches, e)
		}
	}

	page := &SearchPage{}
	if offset >= len(matches) {
		return page, nil
	}
	end := min(offset+size, len(matches))
	page.Hits = matches[offset:end]
	if end < len(matches) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}
