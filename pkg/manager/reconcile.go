package manager

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/config"
)

// Match ties unmanaged folders to the hosted add-on their .toc files name.
type Match struct {
	Ref     addon.AddonRef
	Folders []string
}

type ReconcileReport struct {
	Matches []Match
	// Unmatched folders carry no usable project id.
	Unmatched []string
	// Install is the result of installing the matches, nil for a dry run.
	Install *Report
}

// Reconcile looks for add-on folders the install state does not know and
// matches them to sources by the project ids in their .toc files. With
// install set the matches are installed over the existing folders.
func (m *Manager) Reconcile(ctx context.Context, install bool, opts Options) (*ReconcileReport, error) {
	if m.installer == nil {
		return nil, config.ErrNoAddonDir
	}

	owned, err := m.state.OwnedPaths(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.settings.AddonDir)
	if err != nil {
		return nil, err
	}

	rep := &ReconcileReport{}
	byRef := make(map[addon.AddonRef]int)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, "Blizzard_") || strings.HasPrefix(name, ".") {
			continue
		}
		if slices.Contains(owned, name) {
			continue
		}

		ref, ok := m.matchFolder(filepath.Join(m.settings.AddonDir, name))
		if !ok {
			rep.Unmatched = append(rep.Unmatched, name)
			continue
		}
		if i, seen := byRef[ref]; seen {
			rep.Matches[i].Folders = append(rep.Matches[i].Folders, name)
			continue
		}
		byRef[ref] = len(rep.Matches)
		rep.Matches = append(rep.Matches, Match{Ref: ref, Folders: []string{name}})
	}

	if !install || len(rep.Matches) == 0 {
		return rep, nil
	}
	refs := make([]addon.AddonRef, len(rep.Matches))
	for i, match := range rep.Matches {
		refs[i] = match.Ref
	}
	opts.Replace = true
	rep.Install, err = m.Install(ctx, refs, opts)
	return rep, err
}

// matchFolder returns the first project id in dir's .toc that names a
// registered source.
func (m *Manager) matchFolder(dir string) (addon.AddonRef, bool) {
	meta, err := addon.LoadMeta(dir)
	if err != nil {
		m.log.Debug().Err(err).Str("dir", dir).Msg("skipping folder")
		return addon.AddonRef{}, false
	}
	for _, ref := range meta.SourceRefs() {
		if _, ok := m.registry.Get(ref.Source); ok {
			return ref, true
		}
	}
	return addon.AddonRef{}, false
}
