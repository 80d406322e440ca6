// Package catalogue keeps a best-effort local index of the add-ons each
// source offers so that bare names can be turned into concrete references.
// The index lives in its own SQLite file, is never authoritative and can be
// deleted at any time.
package catalogue

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/source"
)

// DefaultMaxAge is how long a bulk listing is trusted before lookups fall
// back to live searches.
const DefaultMaxAge = 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    source     TEXT NOT NULL,
    identifier TEXT NOT NULL,
    slug       TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL DEFAULT '',
    last_seen  TEXT NOT NULL,
    PRIMARY KEY (source, identifier)
);
CREATE INDEX IF NOT EXISTS idx_entries_slug ON entries (slug);
CREATE TABLE IF NOT EXISTS refreshes (
    source       TEXT NOT NULL PRIMARY KEY,
    refreshed_at TEXT NOT NULL
);`

type Config struct {
	Path     string
	Registry *source.Registry
	// Limiter bounds calls to sources. Calls are made directly when nil.
	Limiter *source.Limiter
	MaxAge  time.Duration
	Log     zerolog.Logger
}

type Catalogue struct {
	db       *sql.DB
	registry *source.Registry
	limiter  *source.Limiter
	maxAge   time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// RefreshReport tells which sources were refreshed and which failed. A
// failed source keeps its previous entries.
type RefreshReport struct {
	Counts map[addon.Source]int
	Errors map[addon.Source]error
}

func Open(ctx context.Context, cfg Config) (*Catalogue, error) {
	if cfg.Path == "" {
		return nil, errors.New("catalogue path is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("catalogue needs a source registry")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating catalogue directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.ToSlash(cfg.Path)+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening catalogue: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating catalogue schema: %w", err)
	}

	return &Catalogue{
		db:       db,
		registry: cfg.Registry,
		limiter:  cfg.Limiter,
		maxAge:   cfg.MaxAge,
		log:      cfg.Log,
		now:      time.Now,
	}, nil
}

func (c *Catalogue) Close() error {
	return c.db.Close()
}

func (c *Catalogue) call(ctx context.Context, src addon.Source, fn func(context.Context) error) error {
	if c.limiter == nil {
		return fn(ctx)
	}
	return c.limiter.Do(ctx, src, fn)
}

// Refresh replaces the index of every source that can list its add-ons in
// bulk. Sources are refreshed concurrently and independently.
func (c *Catalogue) Refresh(ctx context.Context) *RefreshReport {
	report := &RefreshReport{
		Counts: make(map[addon.Source]int),
		Errors: make(map[addon.Source]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	for src, lister := range c.registry.Listers() {
		g.Go(func() error {
			var entries []addon.CatalogueEntry
			err := c.call(ctx, src, func(ctx context.Context) error {
				var err error
				entries, err = lister.ListAll(ctx)
				return err
			})
			if err == nil {
				err = c.replace(ctx, src, entries)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Str("source", string(src)).Msg("catalogue refresh failed")
				report.Errors[src] = err
				return nil
			}
			report.Counts[src] = len(entries)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (c *Catalogue) replace(ctx context.Context, src addon.Source, entries []addon.CatalogueEntry) error {
	now := c.now().UTC().Format(time.RFC3339Nano)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE source = ?`, src); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entries (source, identifier, slug, name, last_seen) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, src, e.ID, strings.ToLower(e.Slug), e.Name, now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refreshes (source, refreshed_at) VALUES (?, ?)
		ON CONFLICT (source) DO UPDATE SET refreshed_at = excluded.refreshed_at`, src, now); err != nil {
		return err
	}
	return tx.Commit()
}

// LastRefreshed returns when src was last bulk-listed; zero if never.
func (c *Catalogue) LastRefreshed(ctx context.Context, src addon.Source) (time.Time, error) {
	var at string
	err := c.db.QueryRowContext(ctx, `SELECT refreshed_at FROM refreshes WHERE source = ?`, src).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, at)
}

// Stale reports whether the index of src cannot be trusted for lookups.
// Sources without bulk listing are always stale.
func (c *Catalogue) Stale(ctx context.Context, src addon.Source) bool {
	if _, ok := c.registry.Listers()[src]; !ok {
		return true
	}
	at, err := c.LastRefreshed(ctx, src)
	if err != nil || at.IsZero() {
		return true
	}
	return c.now().Sub(at) > c.maxAge
}

// Lookup returns every entry whose slug, name or identifier equals
// nameOrSlug, ignoring case. Fresh sources answer from the index; the rest
// are asked through their first page of search results. More than one
// result means the name is ambiguous; picking one is up to the caller.
func (c *Catalogue) Lookup(ctx context.Context, nameOrSlug string) ([]addon.CatalogueEntry, error) {
	q := strings.ToLower(strings.TrimSpace(nameOrSlug))
	if q == "" {
		return nil, fmt.Errorf("%w: empty name", addon.ErrNotFound)
	}

	var (
		mu      sync.Mutex
		matches []addon.CatalogueEntry
		errs    []error
	)
	var g errgroup.Group
	for _, src := range c.searchable() {
		g.Go(func() error {
			var (
				found []addon.CatalogueEntry
				err   error
			)
			if c.Stale(ctx, src) {
				found, err = c.searchLive(ctx, src, q, exactMatch(q))
			} else {
				found, err = c.queryIndex(ctx, src, `
					WHERE source = ? AND (slug = ? OR lower(name) = ? OR identifier = ?)`, src, q, q, q)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src, err))
				return nil
			}
			matches = append(matches, found...)
			return nil
		})
	}
	_ = g.Wait()

	if len(matches) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		c.log.Debug().Err(err).Str("name", nameOrSlug).Msg("catalogue lookup skipped a source")
	}
	return sortEntries(matches), nil
}

// Search returns up to limit entries per source whose name or slug
// contains query.
func (c *Catalogue) Search(ctx context.Context, query string, limit int) ([]addon.CatalogueEntry, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if limit <= 0 {
		limit = 20
	}

	var (
		mu   sync.Mutex
		hits []addon.CatalogueEntry
		errs []error
	)
	var g errgroup.Group
	for _, src := range c.searchable() {
		g.Go(func() error {
			var (
				found []addon.CatalogueEntry
				err   error
			)
			if c.Stale(ctx, src) {
				found, err = c.searchLive(ctx, src, q, containsMatch(q))
			} else {
				like := "%" + q + "%"
				found, err = c.queryIndex(ctx, src,
					`WHERE source = ? AND (slug LIKE ? OR lower(name) LIKE ?)`, src, like, like)
			}
			if len(found) > limit {
				found = found[:limit]
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src, err))
			}
			hits = append(hits, found...)
			return nil
		})
	}
	_ = g.Wait()

	if len(hits) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return sortEntries(hits), nil
}

// searchable returns the registered sources that can be searched by name.
func (c *Catalogue) searchable() []addon.Source {
	var out []addon.Source
	for _, src := range c.registry.Sources() {
		if src != addon.SourceLocal {
			out = append(out, src)
		}
	}
	return out
}

func (c *Catalogue) queryIndex(ctx context.Context, src addon.Source, where string, args ...any) ([]addon.CatalogueEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT source, identifier, slug, name, last_seen FROM entries `+where+` ORDER BY identifier`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []addon.CatalogueEntry
	for rows.Next() {
		var (
			e    addon.CatalogueEntry
			seen string
		)
		if err := rows.Scan(&e.Source, &e.ID, &e.Slug, &e.Name, &seen); err != nil {
			return nil, err
		}
		e.LastSeen, _ = time.Parse(time.RFC3339Nano, seen)
		out = append(out, e)
	}
	return out, rows.Err()
}

// searchLive asks src for the first page of hits for q and keeps the ones
// keep accepts. Accepted hits are remembered in the index.
func (c *Catalogue) searchLive(ctx context.Context, src addon.Source, q string, keep func(addon.CatalogueEntry) bool) ([]addon.CatalogueEntry, error) {
	a, ok := c.registry.Get(src)
	if !ok {
		return nil, fmt.Errorf("%w: %q", addon.ErrUnknownSource, src)
	}

	var page *source.SearchPage
	err := c.call(ctx, src, func(ctx context.Context) error {
		var err error
		page, err = a.Search(ctx, q, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []addon.CatalogueEntry
	for _, hit := range page.Hits {
		if keep(hit) {
			hit.Source = src
			out = append(out, hit)
		}
	}
	c.remember(ctx, out)
	return out, nil
}

func (c *Catalogue) remember(ctx context.Context, entries []addon.CatalogueEntry) {
	if len(entries) == 0 {
		return
	}
	now := c.now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		if _, err := c.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO entries (source, identifier, slug, name, last_seen) VALUES (?, ?, ?, ?, ?)`,
			e.Source, e.ID, strings.ToLower(e.Slug), e.Name, now); err != nil {
			c.log.Debug().Err(err).Msg("caching catalogue hit")
			return
		}
	}
}

func exactMatch(q string) func(addon.CatalogueEntry) bool {
	return func(e addon.CatalogueEntry) bool {
		return strings.EqualFold(e.Slug, q) || strings.EqualFold(e.Name, q) || strings.EqualFold(e.ID, q)
	}
}

func containsMatch(q string) func(addon.CatalogueEntry) bool {
	return func(e addon.CatalogueEntry) bool {
		return strings.Contains(strings.ToLower(e.Slug), q) || strings.Contains(strings.ToLower(e.Name), q)
	}
}

func sortEntries(entries []addon.CatalogueEntry) []addon.CatalogueEntry {
	slices.SortFunc(entries, func(a, b addon.CatalogueEntry) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.ID, b.ID))
	})
	return slices.CompactFunc(entries, func(a, b addon.CatalogueEntry) bool {
		return a.Source == b.Source && a.ID == b.ID
	})
}
