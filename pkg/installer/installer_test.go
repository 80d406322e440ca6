package installer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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
	"github.com/addonpkg/addonpkg/pkg/state"
	"github.com/addonpkg/addonpkg/pkg/store"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func sha1Sum(b []byte) string {
	sum := sha1.Sum(b)
	return "sha1:" + hex.EncodeToString(sum[:])
}

type fixture struct {
	inst     *Installer
	state    *state.Store
	cache    store.Store
	addonDir string
	events   *telemetry.Recorder

	srv      *httptest.Server
	delay    time.Duration
	hits     atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	mu       sync.Mutex
	archives map[string][]byte
}

func setup(t *testing.T, concurrency int) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	st, err := state.Open(ctx, filepath.Join(root, "state.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		state:    st,
		cache:    store.New(filepath.Join(root, "cache")),
		addonDir: filepath.Join(root, "AddOns"),
		events:   &telemetry.Recorder{},
		archives: make(map[string][]byte),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	f.inst, err = New(Config{
		AddonDir:    f.addonDir,
		Cache:       f.cache,
		State:       st,
		HTTPClient:  f.srv.Client(),
		Concurrency: concurrency,
		CPUWorkers:  2,
		Metrics:     telemetry.NewMetrics(),
		Events:      f.events,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) serve(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	body, ok := f.archives[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

// release publishes an archive with the given files and returns the
// matching release.
func (f *fixture) release(t *testing.T, id, version string, files map[string]string) *addon.Release {
	t.Helper()
	body := buildZip(t, files)
	p := "/" + id + "-" + version + ".zip"
	f.mu.Lock()
	f.archives[p] = body
	f.mu.Unlock()
	return &addon.Release{
		Source:      addon.SourceWoWI,
		ID:          id,
		Name:        id,
		Version:     version,
		Token:       version,
		DownloadURL: f.srv.URL + p,
		Checksum:    sha1Sum(body),
	}
}

func (f *fixture) installed(t *testing.T) []*addon.InstalledAddon {
	t.Helper()
	all, err := f.state.List(context.Background())
	require.NoError(t, err)
	return all
}

func (f *fixture) run(t *testing.T, targets []*addon.Release, opts PlanOptions) []ItemResult {
	t.Helper()
	plan := BuildPlan(targets, f.installed(t), opts)
	return f.inst.Execute(context.Background(), plan)
}

func (f *fixture) readFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.addonDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.cache.Path(store.StagingDir))
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "staging areas are always discarded")
}

func TestBuildPlan(t *testing.T) {
	wowi := func(id string) addon.Key { return addon.Key{Source: addon.SourceWoWI, ID: id} }
	rel := func(id, token string) *addon.Release {
		return &addon.Release{Source: addon.SourceWoWI, ID: id, Version: token, Token: token}
	}
	installed := []*addon.InstalledAddon{
		{Source: addon.SourceWoWI, ID: "a", Token: "t1", Dependencies: []addon.Key{wowi("lib")}},
		{Source: addon.SourceWoWI, ID: "b", Token: "t1", Pinned: true},
		{Source: addon.SourceWoWI, ID: "lib", Token: "t1"},
	}

	tests := map[string]struct {
		targets  []*addon.Release
		opts     PlanOptions
		want     []string
		wantErrs map[addon.Key]error
	}{
		"install new": {
			targets: []*addon.Release{rel("new", "t1")},
			want:    []string{"install wowi:new"},
		},
		"same token is a noop": {
			targets: []*addon.Release{rel("a", "t1")},
			want:    []string{"noop wowi:a"},
		},
		"new token updates": {
			targets: []*addon.Release{rel("a", "t2")},
			want:    []string{"update wowi:a"},
		},
		"pinned stays": {
			targets: []*addon.Release{rel("b", "t2")},
			want:    []string{"noop wowi:b"},
		},
		"force overrides pin and token": {
			targets: []*addon.Release{rel("b", "t2"), rel("a", "t1")},
			opts:    PlanOptions{Force: true},
			want:    []string{"update wowi:b", "update wowi:a"},
		},
		"duplicate targets collapse": {
			targets: []*addon.Release{rel("new", "t1"), rel("new", "t1")},
			want:    []string{"install wowi:new"},
		},
		"full sync removes the rest": {
			targets: []*addon.Release{rel("a", "t1"), rel("lib", "t1")},
			opts:    PlanOptions{FullSync: true},
			want:    []string{"noop wowi:a", "noop wowi:lib", "remove wowi:b"},
		},
		"full sync keeps protected records": {
			targets: []*addon.Release{rel("a", "t1")},
			opts:    PlanOptions{FullSync: true, Keep: []addon.Key{wowi("lib")}},
			want:    []string{"noop wowi:a", "remove wowi:b"},
		},
		"removal refused while depended on": {
			opts:     PlanOptions{Removals: []addon.Key{wowi("lib")}},
			want:     []string{"remove wowi:lib"},
			wantErrs: map[addon.Key]error{wowi("lib"): addon.ErrDependencyViolation},
		},
		"removal allowed with its dependents": {
			opts: PlanOptions{Removals: []addon.Key{wowi("lib"), wowi("a")}},
			want: []string{"remove wowi:a", "remove wowi:lib"},
		},
		"forced removal": {
			opts: PlanOptions{Removals: []addon.Key{wowi("lib")}, Force: true},
			want: []string{"remove wowi:lib"},
		},
		"removing what is not installed": {
			opts:     PlanOptions{Removals: []addon.Key{wowi("zzz")}},
			want:     []string{"remove wowi:zzz"},
			wantErrs: map[addon.Key]error{wowi("zzz"): addon.ErrNotInstalled},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			plan := BuildPlan(tc.targets, installed, tc.opts)

			var got []string
			for _, it := range plan.Items {
				got = append(got, string(it.Action)+" "+it.Key.String())
				if want, ok := tc.wantErrs[it.Key]; ok {
					assert.ErrorIs(t, it.Err, want)
				} else {
					assert.NoError(t, it.Err)
				}
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuildPlanRefusesDependencyChains(t *testing.T) {
	wowi := func(id string) addon.Key { return addon.Key{Source: addon.SourceWoWI, ID: id} }
	// c needs a, a needs b.
	installed := []*addon.InstalledAddon{
		{Source: addon.SourceWoWI, ID: "a", Token: "t1", Dependencies: []addon.Key{wowi("b")}},
		{Source: addon.SourceWoWI, ID: "b", Token: "t1"},
		{Source: addon.SourceWoWI, ID: "c", Token: "t1", Dependencies: []addon.Key{wowi("a")}},
	}

	tests := map[string]struct {
		targets  []*addon.Release
		opts     PlanOptions
		wantErrs map[addon.Key]error
	}{
		"refused removal keeps its dependencies": {
			opts: PlanOptions{Removals: []addon.Key{wowi("a"), wowi("b")}},
			wantErrs: map[addon.Key]error{
				wowi("a"): addon.ErrDependencyViolation,
				wowi("b"): addon.ErrDependencyViolation,
			},
		},
		"whole chain removed": {
			opts: PlanOptions{Removals: []addon.Key{wowi("a"), wowi("b"), wowi("c")}},
		},
		"full sync keeps the chain under a kept add-on": {
			opts: PlanOptions{FullSync: true, Keep: []addon.Key{wowi("c")}},
			wantErrs: map[addon.Key]error{
				wowi("a"): addon.ErrDependencyViolation,
				wowi("b"): addon.ErrDependencyViolation,
			},
		},
		"force removes regardless": {
			opts: PlanOptions{Removals: []addon.Key{wowi("a"), wowi("b")}, Force: true},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			plan := BuildPlan(tc.targets, installed, tc.opts)
			require.NotEmpty(t, plan.Items)
			for _, it := range plan.Items {
				require.Equal(t, ActionRemove, it.Action)
				if want, ok := tc.wantErrs[it.Key]; ok {
					assert.ErrorIs(t, it.Err, want, "%s", it.Key)
				} else {
					assert.NoError(t, it.Err, "%s", it.Key)
				}
			}
		})
	}
}

func TestInstallAndUpdate(t *testing.T) {
	f := setup(t, 4)

	v1 := f.release(t, "1", "1.0", map[string]string{
		"A/A.toc":            "## Title: A",
		"B/B.toc":            "## Title: B",
		"__MACOSX/A/._A.toc": "junk",
	})
	results := f.run(t, []*addon.Release{v1}, PlanOptions{Constraints: map[addon.Key]string{v1.Key(): ">=1.0"}})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, ActionInstall, results[0].Action)

	assert.Equal(t, "## Title: A", f.readFile(t, "A/A.toc"))
	assert.NoDirExists(t, filepath.Join(f.addonDir, "__MACOSX"))

	rec, err := f.state.Get(context.Background(), addon.SourceWoWI, "1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"A", "B"}, rec.Files)
	assert.Equal(t, ">=1.0", rec.Constraint)
	assert.Equal(t, v1.Checksum, rec.Checksum)

	// Same release again is a noop and downloads nothing.
	hits := f.hits.Load()
	results = f.run(t, []*addon.Release{v1}, PlanOptions{})
	assert.Equal(t, ActionNoop, results[0].Action)
	assert.Equal(t, hits, f.hits.Load())

	// The new version drops B and adds C.
	v2 := f.release(t, "1", "2.0", map[string]string{
		"A/A.toc": "## Title: A2",
		"C/C.toc": "## Title: C",
	})
	results = f.run(t, []*addon.Release{v2}, PlanOptions{})
	require.NoError(t, results[0].Err)
	assert.Equal(t, ActionUpdate, results[0].Action)
	assert.Equal(t, "1.0", results[0].From)
	assert.Equal(t, "2.0", results[0].To)

	assert.Equal(t, "## Title: A2", f.readFile(t, "A/A.toc"))
	assert.NoDirExists(t, filepath.Join(f.addonDir, "B"))
	rec, err = f.state.Get(context.Background(), addon.SourceWoWI, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, rec.Files)
	assert.Equal(t, ">=1.0", rec.Constraint, "constraint carried over")

	f.assertStagingEmpty(t)
	assert.Len(t, f.events.OfType(telemetry.EventItemFinished), 3)
}

func TestFailuresLeaveNoTrace(t *testing.T) {
	tests := map[string]struct {
		mutate    func(*fixture, *addon.Release)
		wantErr   error
		wantStage addon.Stage
	}{
		"checksum mismatch": {
			mutate: func(_ *fixture, r *addon.Release) {
				r.Checksum = "sha1:0000000000000000000000000000000000000000"
			},
			wantErr:   addon.ErrChecksumMismatch,
			wantStage: addon.StageVerify,
		},
		"missing archive": {
			mutate: func(f *fixture, r *addon.Release) {
				r.DownloadURL = f.srv.URL + "/gone.zip"
			},
			wantErr:   addon.ErrNotFound,
			wantStage: addon.StageDownload,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := setup(t, 2)
			rel := f.release(t, "1", "1.0", map[string]string{"A/A.toc": "x"})
			tc.mutate(f, rel)

			results := f.run(t, []*addon.Release{rel}, PlanOptions{})
			require.Len(t, results, 1)
			require.ErrorIs(t, results[0].Err, tc.wantErr)
			var ie *addon.ItemError
			require.ErrorAs(t, results[0].Err, &ie)
			assert.Equal(t, tc.wantStage, ie.Stage)

			assert.NoDirExists(t, filepath.Join(f.addonDir, "A"))
			assert.Empty(t, f.installed(t))
			f.assertStagingEmpty(t)
		})
	}
}

func TestUnsafeArchiveRefused(t *testing.T) {
	f := setup(t, 2)
	rel := f.release(t, "1", "1.0", map[string]string{
		"A/A.toc":       "x",
		"../escape.txt": "boom",
	})

	results := f.run(t, []*addon.Release{rel}, PlanOptions{})
	var ie *addon.ItemError
	require.ErrorAs(t, results[0].Err, &ie)
	assert.Equal(t, addon.StageExtract, ie.Stage)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.addonDir), "escape.txt"))
	assert.Empty(t, f.installed(t))
}

func TestCommitFailureRollsBack(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	v1 := f.release(t, "1", "1.0", map[string]string{"A/A.toc": "v1", "B/B.toc": "v1"})
	require.NoError(t, f.run(t, []*addon.Release{v1}, PlanOptions{})[0].Err)
	before, err := f.state.Get(ctx, addon.SourceWoWI, "1")
	require.NoError(t, err)

	injected := errors.New("disk on fire")
	f.inst.beforeCommit = func(addon.Key) error { return injected }

	v2 := f.release(t, "1", "2.0", map[string]string{"A/A.toc": "v2", "C/C.toc": "v2"})
	results := f.run(t, []*addon.Release{v2}, PlanOptions{})
	require.ErrorIs(t, results[0].Err, injected)
	var ie *addon.ItemError
	require.ErrorAs(t, results[0].Err, &ie)
	assert.Equal(t, addon.StageCommit, ie.Stage)

	assert.Equal(t, "v1", f.readFile(t, "A/A.toc"))
	assert.Equal(t, "v1", f.readFile(t, "B/B.toc"))
	assert.NoDirExists(t, filepath.Join(f.addonDir, "C"))

	after, err := f.state.Get(ctx, addon.SourceWoWI, "1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	f.assertStagingEmpty(t)
}

func TestConflicts(t *testing.T) {
	tests := map[string]struct {
		prepare   func(t *testing.T, f *fixture)
		replace   bool
		wantErr   error
		wantOwner bool
	}{
		"folder owned by another add-on": {
			prepare: func(t *testing.T, f *fixture) {
				other := f.release(t, "other", "1.0", map[string]string{"Shared/x.toc": "other"})
				require.NoError(t, f.run(t, []*addon.Release{other}, PlanOptions{})[0].Err)
			},
			wantErr: addon.ErrConflict,
		},
		"unmanaged folder": {
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, os.MkdirAll(filepath.Join(f.addonDir, "Shared"), 0o755))
			},
			wantErr: addon.ErrConflict,
		},
		"unmanaged folder replaced": {
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, os.MkdirAll(filepath.Join(f.addonDir, "Shared"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(f.addonDir, "Shared", "old.txt"), nil, 0o644))
			},
			replace:   true,
			wantOwner: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := setup(t, 2)
			tc.prepare(t, f)

			rel := f.release(t, "mine", "1.0", map[string]string{"Shared/x.toc": "mine"})
			results := f.run(t, []*addon.Release{rel}, PlanOptions{Replace: tc.replace})

			if tc.wantErr != nil {
				require.ErrorIs(t, results[0].Err, tc.wantErr)
				var ie *addon.ItemError
				require.ErrorAs(t, results[0].Err, &ie)
				assert.Equal(t, addon.StageConflict, ie.Stage)
				return
			}
			require.NoError(t, results[0].Err)
			owner, ok, err := f.state.Owner(context.Background(), "Shared")
			require.NoError(t, err)
			assert.Equal(t, tc.wantOwner, ok)
			assert.Equal(t, rel.Key(), owner)
			assert.NoFileExists(t, filepath.Join(f.addonDir, "Shared", "old.txt"))
		})
	}
}

func TestSameBatchConflict(t *testing.T) {
	f := setup(t, 2)
	a := f.release(t, "a", "1.0", map[string]string{"Shared/a.toc": "a"})
	b := f.release(t, "b", "1.0", map[string]string{"Shared/b.toc": "b"})

	results := f.run(t, []*addon.Release{a, b}, PlanOptions{})
	var failed int
	for _, r := range results {
		if r.Err != nil {
			assert.ErrorIs(t, r.Err, addon.ErrConflict)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.installed(t), 1)
}

func TestRemove(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	lib := f.release(t, "lib", "1.0", map[string]string{"Lib/Lib.toc": "lib"})
	app := f.release(t, "app", "1.0", map[string]string{"App/App.toc": "app"})
	app.Dependencies = []addon.AddonRef{{Source: addon.SourceWoWI, ID: "lib"}}
	for _, r := range f.run(t, []*addon.Release{lib, app}, PlanOptions{}) {
		require.NoError(t, r.Err)
	}

	// lib is needed by app.
	results := f.run(t, nil, PlanOptions{Removals: []addon.Key{lib.Key()}})
	require.ErrorIs(t, results[0].Err, addon.ErrDependencyViolation)
	assert.DirExists(t, filepath.Join(f.addonDir, "Lib"))

	results = f.run(t, nil, PlanOptions{Removals: []addon.Key{app.Key()}})
	require.NoError(t, results[0].Err)
	assert.NoDirExists(t, filepath.Join(f.addonDir, "App"))
	rec, err := f.state.Get(ctx, addon.SourceWoWI, "app")
	require.NoError(t, err)
	assert.Nil(t, rec)

	results = f.run(t, nil, PlanOptions{Removals: []addon.Key{lib.Key()}})
	require.NoError(t, results[0].Err)
	assert.NoDirExists(t, filepath.Join(f.addonDir, "Lib"))
	assert.DirExists(t, f.addonDir, "the add-on directory itself stays")
}

func TestDownloadCeiling(t *testing.T) {
	f := setup(t, 2)
	f.delay = 30 * time.Millisecond

	var targets []*addon.Release
	for _, id := range strings.Split("a b c d e f", " ") {
		targets = append(targets, f.release(t, id, "1.0", map[string]string{strings.ToUpper(id) + "/x.toc": id}))
	}

	for _, r := range f.run(t, targets, PlanOptions{}) {
		require.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
	assert.Len(t, f.installed(t), 6)
}

func TestConcurrentInstallsCoalesce(t *testing.T) {
	f := setup(t, 4)
	f.delay = 100 * time.Millisecond
	rel := f.release(t, "1", "1.0", map[string]string{"A/A.toc": "x"})
	plan := BuildPlan([]*addon.Release{rel}, nil, PlanOptions{})

	var wg sync.WaitGroup
	results := make([][]ItemResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			results[i] = f.inst.Execute(context.Background(), plan)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.hits.Load())
	for _, r := range results {
		require.NoError(t, r[0].Err)
	}
}

func TestInstallAgainstStalePlan(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()

	v1 := f.release(t, "1", "1.0", map[string]string{"A/A.toc": "1", "B/B.toc": "1"})
	results := f.run(t, []*addon.Release{v1}, PlanOptions{})
	require.NoError(t, results[0].Err)

	// Both plans are built while 1.0 is on record.
	v2 := f.release(t, "1", "2.0", map[string]string{"A/A.toc": "2", "C/C.toc": "2"})
	v3 := f.release(t, "1", "3.0", map[string]string{"A/A.toc": "3", "D/D.toc": "3"})
	stale := f.installed(t)
	first := BuildPlan([]*addon.Release{v2}, stale, PlanOptions{})
	second := BuildPlan([]*addon.Release{v3}, stale, PlanOptions{})

	results = f.inst.Execute(ctx, first)
	require.NoError(t, results[0].Err)
	results = f.inst.Execute(ctx, second)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "2.0", results[0].From)

	for _, gone := range []string{"B", "C"} {
		assert.NoDirExists(t, filepath.Join(f.addonDir, gone), "%s left behind", gone)
	}
	assert.Equal(t, "3", f.readFile(t, "D/D.toc"))
	rec, err := f.state.Get(ctx, addon.SourceWoWI, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D"}, rec.Files)
	f.assertStagingEmpty(t)
}

func TestInstallFromLocalFolder(t *testing.T) {
	f := setup(t, 2)
	src := filepath.Join(t.TempDir(), "MyAddon")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "media"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "MyAddon.toc"), []byte("## Title: Mine"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "media", "icon.tga"), []byte("tga"), 0o644))

	rel := &addon.Release{
		Source:      addon.SourceLocal,
		ID:          filepath.ToSlash(src),
		Name:        "Mine",
		Version:     "dev",
		Token:       "sha256:abc",
		DownloadURL: "file://" + filepath.ToSlash(src),
	}
	results := f.run(t, []*addon.Release{rel}, PlanOptions{})
	require.NoError(t, results[0].Err)

	assert.Equal(t, "tga", f.readFile(t, "MyAddon/media/icon.tga"))
	assert.FileExists(t, filepath.Join(src, "MyAddon.toc"), "the source folder is copied, not moved")
}
