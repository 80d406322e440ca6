// Package installer carries out plans: it downloads, verifies and unpacks
// releases into a staging area, moves them into the add-on directory and
// records them in the install state, rolling back on any failure before the
// record is written.
package installer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/store"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// DefaultConcurrency is the global ceiling on simultaneous downloads.
const DefaultConcurrency = 8

// StateStore is the part of the install state the installer writes to.
type StateStore interface {
	Get(ctx context.Context, source addon.Source, id string) (*addon.InstalledAddon, error)
	Put(ctx context.Context, rec *addon.InstalledAddon) error
	Delete(ctx context.Context, source addon.Source, id string) error
	Owner(ctx context.Context, path string) (addon.Key, bool, error)
}

type Config struct {
	// AddonDir is where add-on folders live.
	AddonDir string
	// Cache holds staging areas. It must be writable.
	Cache store.Store
	State StateStore

	HTTPClient *http.Client
	UserAgent  string
	// Concurrency bounds downloads across all sources.
	Concurrency int
	// CPUWorkers bounds checksum and extraction work.
	CPUWorkers int

	Metrics *telemetry.Metrics
	Events  telemetry.Emitter
	Log     zerolog.Logger
}

type Installer struct {
	addonDir  string
	cache     store.Store
	state     StateStore
	client    *http.Client
	userAgent string
	downloads *semaphore.Weighted
	cpu       *semaphore.Weighted
	metrics   *telemetry.Metrics
	events    telemetry.Emitter
	log       zerolog.Logger

	flight singleflight.Group
	locks  sync.Map // addon.Key -> *sync.Mutex

	// beforeCommit runs after files are in place and before the record is
	// written. Tests use it to fail a commit.
	beforeCommit func(addon.Key) error
}

func New(cfg Config) (*Installer, error) {
	if cfg.AddonDir == "" {
		return nil, errors.New("add-on directory is required")
	}
	if cfg.Cache == nil || cfg.State == nil {
		return nil, errors.New("installer needs a cache and a state store")
	}
	if err := os.MkdirAll(cfg.AddonDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating add-on directory: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "addonpkg"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CPUWorkers <= 0 {
		cfg.CPUWorkers = runtime.NumCPU()
	}
	if cfg.Events == nil {
		cfg.Events = telemetry.Nop()
	}

	return &Installer{
		addonDir:  cfg.AddonDir,
		cache:     cfg.Cache,
		state:     cfg.State,
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		downloads: semaphore.NewWeighted(int64(cfg.Concurrency)),
		cpu:       semaphore.NewWeighted(int64(cfg.CPUWorkers)),
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		log:       cfg.Log,
	}, nil
}

// ItemResult is the outcome of one plan item.
type ItemResult struct {
	Action Action
	Key    addon.Key
	Name   string
	From   string
	To     string
	Reason string
	Err    error
	// Warnings are non-fatal problems, such as files that could not be
	// deleted during a removal.
	Warnings []string
}

// Execute carries out plan. Removals run first so that installs can reuse
// the folders they free. Results are returned in plan order.
func (inst *Installer) Execute(ctx context.Context, plan *Plan) []ItemResult {
	ctx, span := telemetry.StartSpan(ctx, "installer.Execute", attribute.Int("items", len(plan.Items)))
	defer span.End()

	counts := plan.Counts()
	for action, n := range counts {
		for range n {
			inst.metrics.IncPlanAction(action)
		}
	}
	telemetry.Emit(ctx, inst.events, telemetry.Event{Type: telemetry.EventPlanSummary, Counts: counts})

	results := make([]ItemResult, len(plan.Items))
	b := &batch{claims: make(map[string]addon.Key)}

	for i, it := range plan.Items {
		if it.Action == ActionRemove {
			results[i] = inst.remove(ctx, it)
		}
	}

	var g errgroup.Group
	for i, it := range plan.Items {
		switch it.Action {
		case ActionRemove:
			continue
		case ActionNoop:
			results[i] = inst.finish(ctx, ItemResult{
				Action: ActionNoop,
				Key:    it.Key,
				Name:   releaseName(it.Release),
				From:   currentVersion(it.Current),
				To:     it.Release.Version,
				Reason: it.Reason,
			})
		default:
			g.Go(func() error {
				results[i] = inst.finish(ctx, inst.installCoalesced(ctx, it, plan.Replace, b))
				return nil
			})
		}
	}
	_ = g.Wait()
	return results
}

func (inst *Installer) finish(ctx context.Context, r ItemResult) ItemResult {
	outcome := "ok"
	if r.Err != nil {
		outcome = "error"
	}
	inst.metrics.IncItem(string(r.Action), outcome)
	telemetry.Emit(ctx, inst.events, telemetry.Event{
		Type:    telemetry.EventItemFinished,
		Key:     r.Key,
		Action:  string(r.Action),
		Version: r.To,
		Message: r.Reason,
		Err:     r.Err,
	})
	return r
}

// batch tracks which folders the items of one Execute call are writing so
// that two items never claim the same folder.
type batch struct {
	mu     sync.Mutex
	claims map[string]addon.Key
}

func (b *batch) claim(k addon.Key, names []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		if owner, ok := b.claims[strings.ToLower(n)]; ok && owner != k {
			return fmt.Errorf("%w: %q is also provided by %s", addon.ErrConflict, n, owner)
		}
	}
	for _, n := range names {
		b.claims[strings.ToLower(n)] = k
	}
	return nil
}

func (inst *Installer) lock(k addon.Key) func() {
	v, _ := inst.locks.LoadOrStore(k, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// installCoalesced shares the work of identical installs running at the
// same time, even across concurrent Execute calls.
func (inst *Installer) installCoalesced(ctx context.Context, it *Item, replace bool, b *batch) ItemResult {
	key := it.Key.String() + "@" + it.Release.Token
	v, _, _ := inst.flight.Do(key, func() (any, error) {
		return inst.install(ctx, it, replace, b), nil
	})
	r := v.(ItemResult)
	r.Action = it.Action
	return r
}

func (inst *Installer) install(ctx context.Context, it *Item, replace bool, b *batch) ItemResult {
	rel := it.Release
	res := ItemResult{
		Action: it.Action,
		Key:    it.Key,
		Name:   releaseName(rel),
		From:   currentVersion(it.Current),
		To:     rel.Version,
	}
	fail := func(stage addon.Stage, err error) ItemResult {
		res.Err = addon.NewItemError(it.Key, stage, err)
		inst.log.Debug().Err(res.Err).Str("addon", it.Key.String()).Msg("install failed")
		return res
	}

	staging, err := inst.cache.TempDir(store.StagingDir)
	if err != nil {
		return fail(addon.StageDownload, err)
	}
	defer os.RemoveAll(staging)

	if err := inst.downloads.Acquire(ctx, 1); err != nil {
		return fail(addon.StageDownload, err)
	}
	archive, isDir, err := inst.fetch(ctx, rel, staging)
	inst.downloads.Release(1)
	if err != nil {
		return fail(addon.StageDownload, err)
	}

	extracted := filepath.Join(staging, "extract")
	if err := inst.cpu.Acquire(ctx, 1); err != nil {
		return fail(addon.StageVerify, err)
	}
	stage, err := inst.unpack(rel, archive, isDir, extracted)
	inst.cpu.Release(1)
	if err != nil {
		return fail(stage, err)
	}

	names, err := topLevel(extracted)
	if err != nil {
		return fail(addon.StageExtract, err)
	}
	if len(names) == 0 {
		return fail(addon.StageExtract, errors.New("archive contains no add-on folders"))
	}

	unlock := inst.lock(it.Key)
	defer unlock()

	// Another batch may have committed this add-on since the plan was
	// built. Conflicts and backups go by the record as it is now.
	current, err := inst.state.Get(ctx, it.Key.Source, it.Key.ID)
	if err != nil {
		return fail(addon.StageCommit, err)
	}
	fresh := *it
	fresh.Current = current
	it = &fresh
	res.From = currentVersion(current)

	if err := inst.checkConflicts(ctx, it, names, replace); err != nil {
		return fail(addon.StageConflict, err)
	}
	if err := b.claim(it.Key, names); err != nil {
		return fail(addon.StageConflict, err)
	}

	rec := newRecord(it, names)
	if err := inst.commit(ctx, it, rec, extracted, filepath.Join(staging, "backup")); err != nil {
		return fail(addon.StageCommit, err)
	}
	return res
}

// unpack verifies and extracts the fetched archive into dest. It returns
// the stage that failed.
func (inst *Installer) unpack(rel *addon.Release, archive string, isDir bool, dest string) (addon.Stage, error) {
	if isDir {
		if err := copyDir(archive, filepath.Join(dest, filepath.Base(archive))); err != nil {
			return addon.StageExtract, err
		}
		return "", nil
	}
	if err := verifyChecksum(archive, rel.Checksum); err != nil {
		return addon.StageVerify, err
	}
	if err := extractZip(archive, dest); err != nil {
		return addon.StageExtract, err
	}
	return "", nil
}

// checkConflicts refuses folders owned by another add-on, and unmanaged
// folders unless replace is set.
func (inst *Installer) checkConflicts(ctx context.Context, it *Item, names []string, replace bool) error {
	var current []string
	if it.Current != nil {
		current = it.Current.Files
	}
	for _, n := range names {
		owner, owned, err := inst.state.Owner(ctx, n)
		if err != nil {
			return err
		}
		if owned && owner != it.Key {
			return fmt.Errorf("%w: %q belongs to %s", addon.ErrConflict, n, owner)
		}
		if owned || slices.Contains(current, n) || replace {
			continue
		}
		if _, err := os.Lstat(filepath.Join(inst.addonDir, n)); err == nil {
			return fmt.Errorf("%w: %q already exists and is not managed (use replace to take it over)", addon.ErrConflict, n)
		}
	}
	return nil
}

// commit swaps the staged folders in. Everything the new or old manifest
// names is first moved aside; the backup is restored if anything fails
// before the record is written.
func (inst *Installer) commit(ctx context.Context, it *Item, rec *addon.InstalledAddon, staged, backup string) (err error) {
	tx := &swap{addonDir: inst.addonDir, backupDir: backup}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.rollback(); rbErr != nil {
			inst.log.Error().Err(rbErr).Str("addon", it.Key.String()).Msg("rollback incomplete")
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	var old []string
	if it.Current != nil {
		old = it.Current.Files
	}
	for _, p := range union(old, rec.Files) {
		if err := tx.backup(p); err != nil {
			return err
		}
	}
	for _, n := range rec.Files {
		if err := tx.place(filepath.Join(staged, n), n); err != nil {
			return err
		}
	}
	if inst.beforeCommit != nil {
		if err := inst.beforeCommit(it.Key); err != nil {
			return err
		}
	}
	if err := inst.state.Put(ctx, rec); err != nil {
		return err
	}

	if err := os.RemoveAll(backup); err != nil {
		inst.log.Warn().Err(err).Str("dir", backup).Msg("could not remove backup")
	}
	return nil
}

// swap records the moves of one commit so they can be undone.
type swap struct {
	addonDir  string
	backupDir string
	backedUp  []string
	placed    []string
}

func (s *swap) backup(rel string) error {
	src := filepath.Join(s.addonDir, filepath.FromSlash(rel))
	if _, err := os.Lstat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := move(src, filepath.Join(s.backupDir, filepath.FromSlash(rel))); err != nil {
		return fmt.Errorf("backing up %s: %w", rel, err)
	}
	s.backedUp = append(s.backedUp, rel)
	return nil
}

func (s *swap) place(src, rel string) error {
	if err := move(src, filepath.Join(s.addonDir, filepath.FromSlash(rel))); err != nil {
		return fmt.Errorf("placing %s: %w", rel, err)
	}
	s.placed = append(s.placed, rel)
	return nil
}

func (s *swap) rollback() error {
	var errs []error
	for _, rel := range s.placed {
		if err := os.RemoveAll(filepath.Join(s.addonDir, filepath.FromSlash(rel))); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rel := range s.backedUp {
		if err := move(filepath.Join(s.backupDir, filepath.FromSlash(rel)), filepath.Join(s.addonDir, filepath.FromSlash(rel))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newRecord(it *Item, files []string) *addon.InstalledAddon {
	rel := it.Release
	rec := &addon.InstalledAddon{
		Source:      rel.Source,
		ID:          rel.ID,
		Slug:        rel.Slug,
		Name:        rel.Name,
		Version:     rel.Version,
		Token:       rel.Token,
		Constraint:  it.Constraint,
		Prerelease:  it.Prerelease,
		DownloadURL: rel.DownloadURL,
		Checksum:    rel.Checksum,
		InstalledAt: time.Now(),
		Files:       files,
		Enabled:     true,
	}
	if it.Current != nil {
		rec.Enabled = it.Current.Enabled
		rec.Pinned = it.Current.Pinned
	}
	for _, d := range rel.Dependencies {
		if d.Source != addon.SourceAny && !slices.Contains(rec.Dependencies, d.Key()) {
			rec.Dependencies = append(rec.Dependencies, d.Key())
		}
	}
	return rec
}

func union(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func releaseName(rel *addon.Release) string {
	if rel == nil {
		return ""
	}
	return rel.Name
}

func currentVersion(cur *addon.InstalledAddon) string {
	if cur == nil {
		return ""
	}
	return cur.Version
}
