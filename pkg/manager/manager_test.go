package manager

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/installer"
	"github.com/addonpkg/addonpkg/pkg/source"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

type fakeSource struct {
	src   addon.Source
	calls atomic.Int32

	mu       sync.Mutex
	releases map[string]*addon.Release
	failing  map[string]error
	asked    []addon.AddonRef
}

func newFakeSource(src addon.Source) *fakeSource {
	return &fakeSource{src: src, releases: make(map[string]*addon.Release), failing: make(map[string]error)}
}

func (f *fakeSource) Source() addon.Source { return f.src }

func (f *fakeSource) Policy() source.Policy {
	return source.Policy{
		MaxConcurrent:  4,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func (f *fakeSource) Resolve(_ context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id, constraint := ref.ID, ref.Constraint
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, ref)
	if err := f.failing[id]; err != nil {
		return nil, err
	}
	rel, ok := f.releases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", addon.ErrNotFound, f.src, id)
	}
	if !addon.Satisfies(rel.Version, constraint) {
		return nil, fmt.Errorf("%w: %s", addon.ErrConstraintUnsatisfiable, constraint)
	}
	cp := *rel
	return &cp, nil
}

func (f *fakeSource) Search(_ context.Context, query, _ string) (*source.SearchPage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	page := &source.SearchPage{}
	for _, rel := range f.releases {
		if strings.Contains(strings.ToLower(rel.Name), strings.ToLower(query)) {
			page.Hits = append(page.Hits, addon.CatalogueEntry{Name: rel.Name, Slug: rel.Slug, Source: f.src, ID: rel.ID})
		}
	}
	return page, nil
}

type harness struct {
	t        *testing.T
	m        *Manager
	settings *config.Settings
	wowi     *fakeSource
	curse    *fakeSource
	events   *telemetry.Recorder

	srv      *httptest.Server
	mu       sync.Mutex
	archives map[string][]byte
}

func newHarness(t *testing.T, addonDir bool) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		t:        t,
		wowi:     newFakeSource(addon.SourceWoWI),
		curse:    newFakeSource(addon.SourceCurseForge),
		events:   &telemetry.Recorder{},
		archives: make(map[string][]byte),
		settings: &config.Settings{
			ConfigDir:        filepath.Join(root, "config"),
			CacheDir:         filepath.Join(root, "cache"),
			Concurrency:      4,
			CPUWorkers:       2,
			MaxDepth:         5,
			CatalogueRefresh: time.Hour,
		},
	}
	if addonDir {
		h.settings.AddonDir = filepath.Join(root, "AddOns")
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		body, ok := h.archives[r.URL.Path]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(h.srv.Close)

	var err error
	h.m, err = New(context.Background(), Config{
		Settings:   h.settings,
		Adapters:   []source.Adapter{h.wowi, h.curse},
		HTTPClient: h.srv.Client(),
		Events:     h.events,
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// publish makes a release of id available from fs, with one folder per
// entry of folders.
func (h *harness) publish(fs *fakeSource, id, name, version string, folders []string, deps ...addon.AddonRef) {
	h.t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, folder := range folders {
		w, err := zw.Create(folder + "/" + folder + ".toc")
		require.NoError(h.t, err)
		_, err = w.Write([]byte("## Title: " + name + "\n## Version: " + version + "\n"))
		require.NoError(h.t, err)
	}
	require.NoError(h.t, zw.Close())

	p := fmt.Sprintf("/%s/%s/%s.zip", fs.src, id, version)
	h.mu.Lock()
	h.archives[p] = buf.Bytes()
	h.mu.Unlock()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.releases[id] = &addon.Release{
		Source:       fs.src,
		ID:           id,
		Slug:         strings.ToLower(name),
		Name:         name,
		Version:      version,
		Token:        version,
		DownloadURL:  h.srv.URL + p,
		Dependencies: deps,
	}
}

func (h *harness) installed() map[addon.Key]*addon.InstalledAddon {
	h.t.Helper()
	all, err := h.m.List(context.Background())
	require.NoError(h.t, err)
	out := make(map[addon.Key]*addon.InstalledAddon, len(all))
	for _, a := range all {
		out[a.Key()] = a
	}
	return out
}

func refs(s ...string) []addon.AddonRef {
	out := make([]addon.AddonRef, len(s))
	for i, r := range s {
		out[i] = addon.MustParseRef(r)
	}
	return out
}

func byKey(t *testing.T, rep *Report) map[addon.Key]Result {
	t.Helper()
	out := make(map[addon.Key]Result)
	for _, r := range rep.Results {
		out[r.Key] = r
	}
	return out
}

func TestInstallUpdateRemove(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	bagnon := addon.Key{Source: addon.SourceWoWI, ID: "1"}
	libstub := addon.Key{Source: addon.SourceWoWI, ID: "2"}

	h.publish(h.wowi, "2", "LibStub", "1.0", []string{"LibStub"})
	h.publish(h.wowi, "1", "Bagnon", "1.0", []string{"Bagnon", "Bagnon_Config"}, addon.MustParseRef("wowi:2"))

	rep, err := h.m.Install(ctx, refs("wowi:1"), Options{})
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	require.Len(t, rep.Results, 2)
	results := byKey(t, rep)
	assert.Equal(t, installer.ActionInstall, results[bagnon].Action)
	assert.False(t, results[bagnon].Dependency)
	assert.Equal(t, "installed Bagnon 1.0", results[bagnon].Message())
	assert.True(t, results[libstub].Dependency)
	assert.Equal(t, map[string]int{"install": 2}, rep.Counts())

	for _, e := range h.events.Events() {
		assert.Equal(t, rep.BatchID, e.BatchID, "event %s", e.Type)
	}
	installed := h.installed()
	require.Len(t, installed, 2)
	assert.Equal(t, []string{"Bagnon", "Bagnon_Config"}, installed[bagnon].Files)
	assert.Equal(t, []addon.Key{libstub}, installed[bagnon].Dependencies)

	rep, err = h.m.Update(ctx, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"noop": 2}, rep.Counts())

	h.publish(h.wowi, "1", "Bagnon", "1.1", []string{"Bagnon"}, addon.MustParseRef("wowi:2"))
	rep, err = h.m.Update(ctx, nil, Options{})
	require.NoError(t, err)
	results = byKey(t, rep)
	assert.Equal(t, installer.ActionUpdate, results[bagnon].Action)
	assert.Equal(t, "updated Bagnon from 1.0 to 1.1", results[bagnon].Message())
	assert.NoDirExists(t, filepath.Join(h.settings.AddonDir, "Bagnon_Config"))

	rep, err = h.m.Remove(ctx, refs("wowi:2"), Options{})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.ErrorIs(t, rep.Results[0].Err, addon.ErrDependencyViolation)
	assert.DirExists(t, filepath.Join(h.settings.AddonDir, "LibStub"))

	rep, err = h.m.Remove(ctx, refs("wowi:bagnon", "wowi:2", "wowi:404"), Options{})
	require.NoError(t, err)
	results = byKey(t, rep)
	assert.NoError(t, results[bagnon].Err)
	assert.NoError(t, results[libstub].Err)
	assert.ErrorIs(t, results[addon.Key{Source: addon.SourceWoWI, ID: "404"}].Err, addon.ErrNotInstalled)
	assert.Empty(t, h.installed())
}

func TestInstallReportsResolutionFailures(t *testing.T) {
	h := newHarness(t, true)
	h.publish(h.wowi, "1", "Bagnon", "1.0", []string{"Bagnon"})
	h.wowi.failing["3"] = fmt.Errorf("%w: 503", addon.ErrSourceError)

	rep, err := h.m.Install(context.Background(), refs("wowi:1", "wowi:2", "wowi:3"), Options{})
	require.NoError(t, err)
	require.Error(t, rep.Err())

	var failed []error
	for _, r := range rep.Failed() {
		failed = append(failed, r.Err)
	}
	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed[0], addon.ErrNotFound)
	assert.ErrorIs(t, failed[1], addon.ErrSourceError)
	assert.Len(t, h.installed(), 1)
}

func TestRepeatedRefsEachGetAnOutcome(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.publish(h.wowi, "1", "Grid", "1.4.0", []string{"Grid"})

	rep, err := h.m.Install(ctx, refs("wowi:1@<2.0.0", "wowi:1@>=5.0.0"), Options{})
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	failed := rep.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, addon.MustParseRef("wowi:1@>=5.0.0"), failed[0].Ref)
	assert.ErrorIs(t, failed[0].Err, addon.ErrConstraintUnsatisfiable)

	grid := h.installed()[addon.Key{Source: addon.SourceWoWI, ID: "1"}]
	require.NotNil(t, grid)
	assert.Equal(t, "<2.0.0", grid.Constraint, "recorded from the ref that was installed")
}

func TestPrereleaseIsRemembered(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	grid := addon.Key{Source: addon.SourceWoWI, ID: "1"}
	h.publish(h.wowi, "1", "Grid", "1.4.0", []string{"Grid"})

	beta := addon.MustParseRef("wowi:1")
	beta.Prerelease = true
	rep, err := h.m.Install(ctx, []addon.AddonRef{beta}, Options{})
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.True(t, h.installed()[grid].Prerelease)

	h.wowi.mu.Lock()
	h.wowi.asked = nil
	h.wowi.mu.Unlock()
	h.publish(h.wowi, "1", "Grid", "1.5.0-beta", []string{"Grid"})
	_, err = h.m.Update(ctx, nil, Options{})
	require.NoError(t, err)

	h.wowi.mu.Lock()
	asked := slices.Clone(h.wowi.asked)
	h.wowi.mu.Unlock()
	require.NotEmpty(t, asked)
	for _, ref := range asked {
		assert.True(t, ref.Prerelease, "update resolves %s with the stored channel", ref)
	}
	assert.True(t, h.installed()[grid].Prerelease)
}

func TestSyncKeepsUnresolvableEntries(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		h.publish(h.wowi, id, "Addon"+id, "1.0", []string{"Addon" + id})
	}
	_, err := h.m.Install(ctx, refs("wowi:1", "wowi:2", "wowi:3"), Options{})
	require.NoError(t, err)

	h.wowi.mu.Lock()
	h.wowi.failing["2"] = fmt.Errorf("%w: 503", addon.ErrSourceError)
	h.wowi.mu.Unlock()

	manifest := &config.Manifest{Addons: map[string]config.AddonEntry{
		"wowi:1": {},
		"wowi:2": {Pinned: true},
	}}
	rep, err := h.m.Sync(ctx, manifest, Options{})
	require.NoError(t, err)

	results := byKey(t, rep)
	assert.ErrorIs(t, results[addon.Key{Source: addon.SourceWoWI, ID: "2"}].Err, addon.ErrSourceError)
	assert.Equal(t, installer.ActionNoop, results[addon.Key{Source: addon.SourceWoWI, ID: "1"}].Action)
	assert.Equal(t, installer.ActionRemove, results[addon.Key{Source: addon.SourceWoWI, ID: "3"}].Action)

	installed := h.installed()
	require.Len(t, installed, 2)
	assert.True(t, installed[addon.Key{Source: addon.SourceWoWI, ID: "2"}].Pinned)
	assert.False(t, installed[addon.Key{Source: addon.SourceWoWI, ID: "1"}].Pinned)
}

func TestDirtyStateFailsBeforeNetwork(t *testing.T) {
	root := t.TempDir()
	settings := &config.Settings{
		AddonDir:    filepath.Join(root, "AddOns"),
		ConfigDir:   filepath.Join(root, "config"),
		CacheDir:    filepath.Join(root, "cache"),
		Concurrency: 2,
		MaxDepth:    5,
	}
	require.NoError(t, os.MkdirAll(settings.ConfigDir, 0o755))

	db, err := sql.Open("sqlite", settings.StatePath())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_migrations (version uint64, dirty bool);
INSERT INTO schema_migrations (version, dirty) VALUES (2, 1);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	wowi := newFakeSource(addon.SourceWoWI)
	_, err = New(context.Background(), Config{
		Settings: settings,
		Adapters: []source.Adapter{wowi},
		Log:      zerolog.Nop(),
	})
	require.ErrorIs(t, err, addon.ErrMigrationFailure)
	assert.True(t, addon.IsFatal(err))
	assert.Zero(t, wowi.calls.Load())
}

func TestAmbiguousNames(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.publish(h.wowi, "10", "Bagnon", "1.0", []string{"Bagnon"})
	h.publish(h.curse, "20", "Bagnon", "2.0", []string{"Bagnon"})

	rep, err := h.m.Install(ctx, refs("bagnon"), Options{})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	var amb *addon.AmbiguousRefError
	require.ErrorAs(t, rep.Results[0].Err, &amb)
	assert.Len(t, amb.Candidates, 2)
	assert.Empty(t, h.installed())

	var offered int
	rep, err = h.m.Install(ctx, refs("bagnon"), Options{
		Choose: func(_ addon.AddonRef, candidates []addon.CatalogueEntry) (addon.CatalogueEntry, error) {
			offered = len(candidates)
			for _, c := range candidates {
				if c.Source == addon.SourceCurseForge {
					return c, nil
				}
			}
			return addon.CatalogueEntry{}, errors.New("no choice")
		},
	})
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.Equal(t, 2, offered)
	assert.Contains(t, h.installed(), addon.Key{Source: addon.SourceCurseForge, ID: "20"})
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	writeTOC := func(folder, body string) {
		dir := filepath.Join(h.settings.AddonDir, folder)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, folder+".toc"), []byte(body), 0o644))
	}
	writeTOC("DBM-Core", "## Title: DBM\n## X-WoWI-ID: 5\n")
	writeTOC("DBM-GUI", "## Title: DBM GUI\n## X-WoWI-ID: 5\n")
	writeTOC("Mystery", "## Title: Mystery\n")
	writeTOC("Blizzard_Things", "## Title: Blizzard\n## X-WoWI-ID: 6\n")
	h.publish(h.wowi, "5", "Deadly Boss Mods", "10.0", []string{"DBM-Core", "DBM-GUI"})

	rep, err := h.m.Reconcile(ctx, false, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Matches, 1)
	assert.Equal(t, addon.MustParseRef("wowi:5"), rep.Matches[0].Ref)
	assert.Equal(t, []string{"DBM-Core", "DBM-GUI"}, rep.Matches[0].Folders)
	assert.Equal(t, []string{"Mystery"}, rep.Unmatched)
	assert.Nil(t, rep.Install)
	assert.Empty(t, h.installed())

	rep, err = h.m.Reconcile(ctx, true, Options{})
	require.NoError(t, err)
	require.NotNil(t, rep.Install)
	require.NoError(t, rep.Install.Err())
	rec := h.installed()[addon.Key{Source: addon.SourceWoWI, ID: "5"}]
	require.NotNil(t, rec)
	assert.Equal(t, []string{"DBM-Core", "DBM-GUI"}, rec.Files)

	rep, err = h.m.Reconcile(ctx, false, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Matches)
}

func TestPinUnpinAndExport(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.publish(h.wowi, "1", "Bagnon", "1.0", []string{"Bagnon"})
	_, err := h.m.Install(ctx, refs("wowi:1"), Options{})
	require.NoError(t, err)

	results := h.m.Pin(ctx, refs("wowi:1", "wowi:404"))
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, addon.ErrNotInstalled)

	h.publish(h.wowi, "1", "Bagnon", "1.1", []string{"Bagnon"})
	rep, err := h.m.Update(ctx, nil, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, installer.ActionNoop, rep.Results[0].Action)
	assert.Equal(t, "Bagnon is pinned at 1.0", rep.Results[0].Message())

	path := filepath.Join(t.TempDir(), config.ManifestFileName)
	manifest, err := h.m.Export(ctx, path, "raid")
	require.NoError(t, err)
	assert.Equal(t, config.AddonEntry{Version: "1.0", Pinned: true}, manifest.Addons["wowi:1"])
	loaded, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, manifest.Addons, loaded.Addons)

	results = h.m.Unpin(ctx, refs("wowi:bagnon"))
	require.NoError(t, results[0].Err)
	rep, err = h.m.Update(ctx, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, installer.ActionUpdate, rep.Results[0].Action)
}

func TestWithoutAddonDir(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.publish(h.wowi, "1", "Bagnon", "1.0", []string{"Bagnon"})

	_, err := h.m.Install(ctx, refs("wowi:1"), Options{})
	require.ErrorIs(t, err, config.ErrNoAddonDir)
	_, err = h.m.Reconcile(ctx, false, Options{})
	require.ErrorIs(t, err, config.ErrNoAddonDir)

	hits, err := h.m.Search(ctx, "bag", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Bagnon", hits[0].Name)
}
