// Package state persists what is installed: one record per (source,
// identifier) with its file manifest and dependency edges, in a SQLite
// database whose schema is advanced by embedded migrations.
package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the install state. It is safe for concurrent use; writes are
// serialised by SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the state database at path and migrates
// it to the latest schema. A database left dirty by an earlier failed
// migration, or one whose migration fails now, is refused with
// addon.ErrMigrationFailure.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return openWith(ctx, path, sub, log)
}

func openWith(ctx context.Context, path string, migrations fs.FS, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	dsn := "file:" + filepath.ToSlash(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(migrations fs.FS) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("%w: loading migrations: %v", addon.ErrMigrationFailure, err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("%w: %v", addon.ErrMigrationFailure, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: %v", addon.ErrMigrationFailure, err)
	}

	// m.Close would close the shared *sql.DB, so only the source is closed.
	defer src.Close()

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return fmt.Errorf("%w: reading schema version: %v", addon.ErrMigrationFailure, err)
	case dirty:
		return fmt.Errorf("%w: schema version %d was left partially applied", addon.ErrMigrationFailure, before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %v", addon.ErrMigrationFailure, err)
	}

	after, _, _ := m.Version()
	if after != before {
		s.log.Info().Uint("from", before).Uint("to", after).Msg("migrated install state")
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var v uint
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectAddons = `
	SELECT source, identifier, slug, name, version, token, version_constraint,
	       download_url, checksum, installed_at, enabled, pinned, prerelease
	FROM addons`

type scanner interface {
	Scan(dest ...any) error
}

func scanAddon(row scanner) (*addon.InstalledAddon, error) {
	var (
		a           addon.InstalledAddon
		installedAt string
	)
	if err := row.Scan(&a.Source, &a.ID, &a.Slug, &a.Name, &a.Version, &a.Token, &a.Constraint,
		&a.DownloadURL, &a.Checksum, &installedAt, &a.Enabled, &a.Pinned, &a.Prerelease); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, installedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad installed_at %q", addon.ErrStoreIntegrity, a.Key(), installedAt)
	}
	a.InstalledAt = t
	return &a, nil
}

// Get returns the record for (source, id), or nil when there is none.
func (s *Store) Get(ctx context.Context, source addon.Source, id string) (*addon.InstalledAddon, error) {
	row := s.db.QueryRowContext(ctx, selectAddons+` WHERE source = ? AND identifier = ?`, source, id)
	a, err := scanAddon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s:%s: %w", source, id, err)
	}

	files, err := s.db.QueryContext(ctx,
		`SELECT path FROM addon_files WHERE source = ? AND identifier = ? ORDER BY path`, source, id)
	if err != nil {
		return nil, err
	}
	defer files.Close()
	for files.Next() {
		var p string
		if err := files.Scan(&p); err != nil {
			return nil, err
		}
		a.Files = append(a.Files, p)
	}
	if err := files.Err(); err != nil {
		return nil, err
	}

	deps, err := s.db.QueryContext(ctx, `
		SELECT dep_source, dep_identifier FROM addon_deps
		WHERE source = ? AND identifier = ? ORDER BY dep_source, dep_identifier`, source, id)
	if err != nil {
		return nil, err
	}
	defer deps.Close()
	for deps.Next() {
		var k addon.Key
		if err := deps.Scan(&k.Source, &k.ID); err != nil {
			return nil, err
		}
		a.Dependencies = append(a.Dependencies, k)
	}
	return a, deps.Err()
}

// List returns every record ordered by (source, identifier).
func (s *Store) List(ctx context.Context) ([]*addon.InstalledAddon, error) {
	rows, err := s.db.QueryContext(ctx, selectAddons+` ORDER BY source, identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing add-ons: %w", err)
	}
	defer rows.Close()

	var out []*addon.InstalledAddon
	byKey := make(map[addon.Key]*addon.InstalledAddon)
	for rows.Next() {
		a, err := scanAddon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
		byKey[a.Key()] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	files, err := s.db.QueryContext(ctx, `SELECT source, identifier, path FROM addon_files ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer files.Close()
	for files.Next() {
		var (
			k addon.Key
			p string
		)
		if err := files.Scan(&k.Source, &k.ID, &p); err != nil {
			return nil, err
		}
		if a := byKey[k]; a != nil {
			a.Files = append(a.Files, p)
		}
	}
	if err := files.Err(); err != nil {
		return nil, err
	}

	deps, err := s.db.QueryContext(ctx, `
		SELECT source, identifier, dep_source, dep_identifier FROM addon_deps
		ORDER BY dep_source, dep_identifier`)
	if err != nil {
		return nil, err
	}
	defer deps.Close()
	for deps.Next() {
		var k, d addon.Key
		if err := deps.Scan(&k.Source, &k.ID, &d.Source, &d.ID); err != nil {
			return nil, err
		}
		if a := byKey[k]; a != nil {
			a.Dependencies = append(a.Dependencies, d)
		}
	}
	return out, deps.Err()
}

// Put inserts or replaces rec. Its file manifest and dependency edges
// replace the stored ones in the same transaction, so files the new
// manifest no longer lists are no longer owned. A path owned by another
// add-on fails with addon.ErrStoreIntegrity and nothing is written.
func (s *Store) Put(ctx context.Context, rec *addon.InstalledAddon) error {
	return s.write(ctx, rec, true)
}

// Insert is Put for a key that must not exist yet.
func (s *Store) Insert(ctx context.Context, rec *addon.InstalledAddon) error {
	return s.write(ctx, rec, false)
}

func (s *Store) write(ctx context.Context, rec *addon.InstalledAddon, upsert bool) error {
	if rec.Source == "" || rec.Source == addon.SourceAny || rec.ID == "" {
		return fmt.Errorf("%w: record has no concrete key %q", addon.ErrStoreIntegrity, rec.Key())
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range rec.Files {
			var owner addon.Key
			err := tx.QueryRowContext(ctx,
				`SELECT source, identifier FROM addon_files WHERE path = ?`, p).Scan(&owner.Source, &owner.ID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if owner != rec.Key() {
				return fmt.Errorf("%w: %q is owned by %s", addon.ErrStoreIntegrity, p, owner)
			}
		}

		installedAt := rec.InstalledAt
		if installedAt.IsZero() {
			installedAt = time.Now()
		}
		args := []any{
			rec.Source, rec.ID, rec.Slug, rec.Name, rec.Version, rec.Token, rec.Constraint,
			rec.DownloadURL, rec.Checksum, installedAt.UTC().Format(time.RFC3339Nano), rec.Enabled, rec.Pinned,
			rec.Prerelease,
		}
		query := `
			INSERT INTO addons (source, identifier, slug, name, version, token, version_constraint,
			                    download_url, checksum, installed_at, enabled, pinned, prerelease)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if upsert {
			query += `
			ON CONFLICT (source, identifier) DO UPDATE SET
				slug = excluded.slug,
				name = excluded.name,
				version = excluded.version,
				token = excluded.token,
				version_constraint = excluded.version_constraint,
				download_url = excluded.download_url,
				checksum = excluded.checksum,
				installed_at = excluded.installed_at,
				enabled = excluded.enabled,
				pinned = excluded.pinned,
				prerelease = excluded.prerelease`
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: %s already installed", addon.ErrStoreIntegrity, rec.Key())
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM addon_files WHERE source = ? AND identifier = ?`, rec.Source, rec.ID); err != nil {
			return err
		}
		for _, p := range rec.Files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO addon_files (path, source, identifier) VALUES (?, ?, ?)`, p, rec.Source, rec.ID); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("%w: %q listed twice", addon.ErrStoreIntegrity, p)
				}
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM addon_deps WHERE source = ? AND identifier = ?`, rec.Source, rec.ID); err != nil {
			return err
		}
		for _, d := range rec.Dependencies {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO addon_deps (source, identifier, dep_source, dep_identifier)
				VALUES (?, ?, ?, ?)`, rec.Source, rec.ID, d.Source, d.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the record with its files and edges. Edges other add-ons
// hold towards it are left alone.
func (s *Store) Delete(ctx context.Context, source addon.Source, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM addons WHERE source = ? AND identifier = ?`, source, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s:%s: %w", source, id, addon.ErrNotInstalled)
		}
		return nil
	})
}

// Dependents returns the keys of records with a dependency edge to
// (source, id), sorted.
func (s *Store) Dependents(ctx context.Context, source addon.Source, id string) ([]addon.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, identifier FROM addon_deps
		WHERE dep_source = ? AND dep_identifier = ?
		ORDER BY source, identifier`, source, id)
	if err != nil {
		return nil, fmt.Errorf("listing dependents of %s:%s: %w", source, id, err)
	}
	defer rows.Close()

	var out []addon.Key
	for rows.Next() {
		var k addon.Key
		if err := rows.Scan(&k.Source, &k.ID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Owner returns the add-on that owns path.
func (s *Store) Owner(ctx context.Context, path string) (addon.Key, bool, error) {
	var k addon.Key
	err := s.db.QueryRowContext(ctx,
		`SELECT source, identifier FROM addon_files WHERE path = ?`, path).Scan(&k.Source, &k.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return addon.Key{}, false, nil
	}
	if err != nil {
		return addon.Key{}, false, err
	}
	return k, true, nil
}

// SetFlags updates the enabled and pinned flags of a record.
func (s *Store) SetFlags(ctx context.Context, source addon.Source, id string, enabled, pinned bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE addons SET enabled = ?, pinned = ? WHERE source = ? AND identifier = ?`,
			enabled, pinned, source, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s:%s: %w", source, id, addon.ErrNotInstalled)
		}
		return nil
	})
}

// OwnedPaths returns every path in any manifest, sorted.
func (s *Store) OwnedPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM addon_files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state transaction: %w", err)
	}
	return nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
