package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/store"
)

// Local serves add-on folders and zip archives from the filesystem. The
// identifier is the absolute path; the version token is a content hash, so
// editing the source produces an update.
type Local struct{}

var _ Adapter = &Local{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Source() addon.Source { return addon.SourceLocal }

func (l *Local) Policy() Policy {
	return Policy{
		MaxConcurrent: 16,
		MaxAttempts:   1,
		Timeout:       time.Minute,
	}
}

func (l *Local) Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id := ref.ID
	absPath, err := filepath.Abs(filepath.FromSlash(id))
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path for %q: %w", id, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local source path does not exist: %s: %w", absPath, addon.ErrNotFound)
		}
		return nil, fmt.Errorf("checking local source path %s: %w", absPath, err)
	}

	name := strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))
	rel := &addon.Release{
		Source:      addon.SourceLocal,
		ID:          filepath.ToSlash(absPath),
		Slug:        slugify(name),
		Name:        name,
		DownloadURL: "file://" + filepath.ToSlash(absPath),
		Published:   info.ModTime(),
	}

	switch {
	case info.IsDir():
		hash, err := store.New(absPath).HashDir()
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", absPath, err)
		}
		rel.Token = hash
		if err := applyMeta(rel, absPath); err != nil {
			return nil, err
		}
	case strings.EqualFold(filepath.Ext(absPath), ".zip"):
		hash, err := store.New(filepath.Dir(absPath)).HashFile(filepath.Base(absPath))
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", absPath, err)
		}
		rel.Token = hash
		rel.Checksum = hash
	default:
		return nil, fmt.Errorf("local source path is neither a directory nor a zip archive: %s: %w", absPath, addon.ErrNotFound)
	}

	if rel.Version == "" {
		rel.Version = shortHash(rel.Token)
	}
	return addon.SelectRelease([]*addon.Release{rel}, ref.Constraint)
}

// applyMeta fills name, version and dependencies from the folder's .toc and
// addon.yaml when it has them.
func applyMeta(rel *addon.Release, dir string) error {
	meta, err := addon.LoadMeta(dir)
	if err != nil {
		// Folders without a .toc install as-is under their own name.
		return nil
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("validating %s: %w", dir, err)
	}
	deps, err := meta.DependencyRefs()
	if err != nil {
		return fmt.Errorf("reading dependencies of %s: %w", dir, err)
	}
	rel.Name = meta.Title
	rel.Version = meta.Version
	rel.Dependencies = deps
	return nil
}

func shortHash(token string) string {
	_, hex, _ := strings.Cut(token, ":")
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}

// Search always returns an empty page; local add-ons are not indexed.
func (l *Local) Search(ctx context.Context, query, pageToken string) (*SearchPage, error) {
	return &SearchPage{}, nil
}
