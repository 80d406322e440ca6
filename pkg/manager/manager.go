// Package manager runs the user-facing batch operations: it wires the
// source adapters, catalogue, resolver, installer and install state
// together and turns their outcomes into one report per batch.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/catalogue"
	"github.com/addonpkg/addonpkg/pkg/config"
	"github.com/addonpkg/addonpkg/pkg/installer"
	"github.com/addonpkg/addonpkg/pkg/resolver"
	"github.com/addonpkg/addonpkg/pkg/source"
	"github.com/addonpkg/addonpkg/pkg/state"
	"github.com/addonpkg/addonpkg/pkg/store"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// responseTTL bounds how long adapter responses are reused.
const responseTTL = 5 * time.Minute

type Config struct {
	Settings *config.Settings
	// Adapters replace the built-in adapter set when non-empty.
	Adapters   []source.Adapter
	HTTPClient *http.Client
	UserAgent  string
	Metrics    *telemetry.Metrics
	Events     telemetry.Emitter
	Log        zerolog.Logger
}

type Manager struct {
	settings  *config.Settings
	state     *state.Store
	cache     *source.ResponseCache
	registry  *source.Registry
	catalogue *catalogue.Catalogue
	resolver  *resolver.Resolver
	// installer is nil when no add-on directory is configured.
	installer *installer.Installer
	metrics   *telemetry.Metrics
	events    telemetry.Emitter
	log       zerolog.Logger
}

// New opens the install state first, so that a store that cannot be
// migrated fails the command before any network activity.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	s := cfg.Settings
	if s == nil {
		return nil, errors.New("manager needs settings")
	}
	if cfg.Events == nil {
		cfg.Events = telemetry.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewMetrics()
	}

	st, err := state.Open(ctx, s.StatePath(), telemetry.Component(cfg.Log, "state"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		settings: s,
		state:    st,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		log:      telemetry.Component(cfg.Log, "manager"),
	}
	if err := m.wire(ctx, cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) wire(ctx context.Context, cfg Config) error {
	s := m.settings
	cache := store.New(s.CacheDir)
	m.cache = source.NewResponseCache(cache, responseTTL)

	adapters := cfg.Adapters
	if len(adapters) == 0 {
		adapters = defaultAdapters(s, cfg.HTTPClient, cfg.UserAgent, m.cache)
	}
	reg, err := source.NewRegistry(adapters...)
	if err != nil {
		return err
	}
	m.registry = reg

	overrides := make(map[addon.Source]int)
	for _, src := range reg.Sources() {
		if n := s.Source(src).Concurrency; n > 0 {
			overrides[src] = n
		}
	}
	limiter := source.NewLimiter(reg,
		source.WithConcurrencyOverrides(overrides),
		source.WithMetrics(m.metrics),
		source.WithEvents(m.events),
		source.WithLogger(telemetry.Component(cfg.Log, "limiter")),
	)

	m.catalogue, err = catalogue.Open(ctx, catalogue.Config{
		Path:     s.CataloguePath(),
		Registry: reg,
		Limiter:  limiter,
		MaxAge:   s.CatalogueRefresh,
		Log:      telemetry.Component(cfg.Log, "catalogue"),
	})
	if err != nil {
		return err
	}

	m.resolver = resolver.New(resolver.Config{
		Registry:  reg,
		Limiter:   limiter,
		Catalogue: m.catalogue,
		Metrics:   m.metrics,
		Events:    m.events,
		Log:       telemetry.Component(cfg.Log, "resolver"),
	})

	if s.AddonDir == "" {
		return nil
	}
	m.installer, err = installer.New(installer.Config{
		AddonDir:    s.AddonDir,
		Cache:       cache,
		State:       m.state,
		HTTPClient:  cfg.HTTPClient,
		UserAgent:   cfg.UserAgent,
		Concurrency: s.Concurrency,
		CPUWorkers:  s.CPUWorkers,
		Metrics:     m.metrics,
		Events:      m.events,
		Log:         telemetry.Component(cfg.Log, "installer"),
	})
	if err != nil {
		_ = m.catalogue.Close()
		return err
	}
	return nil
}

func defaultAdapters(s *config.Settings, client *http.Client, userAgent string, cache *source.ResponseCache) []source.Adapter {
	opts := func(src addon.Source) []source.Option {
		o := []source.Option{source.WithCache(cache)}
		if client != nil {
			o = append(o, source.WithHTTPClient(client))
		}
		if userAgent != "" {
			o = append(o, source.WithUserAgent(userAgent))
		}
		ss := s.Source(src)
		if ss.BaseURL != "" {
			o = append(o, source.WithBaseURL(ss.BaseURL))
		}
		if ss.Token != "" {
			o = append(o, source.WithToken(ss.Token))
		}
		return o
	}
	return []source.Adapter{
		source.NewCurseForge(opts(addon.SourceCurseForge)...),
		source.NewWoWI(opts(addon.SourceWoWI)...),
		source.NewTukui(opts(addon.SourceTukui)...),
		source.NewGitHub(opts(addon.SourceGitHub)...),
		source.NewLocal(),
	}
}

// Close releases the databases and writes the metrics textfile when one is
// configured.
func (m *Manager) Close() error {
	var errs []error
	if p := m.settings.MetricsTextfile; p != "" {
		if err := m.metrics.WriteTextfile(p); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	errs = append(errs, m.catalogue.Close(), m.state.Close())
	return errors.Join(errs...)
}

// PurgeCache drops every cached adapter response.
func (m *Manager) PurgeCache() {
	m.cache.Purge()
}

// Options tune a batch.
type Options struct {
	// Force reinstalls up-to-date and pinned add-ons and removes add-ons
	// that others depend on.
	Force bool
	// Replace lets installs take over unmanaged folders.
	Replace bool
	NoDeps  bool
	// Choose picks one of several catalogue entries matching a bare name.
	// Ambiguous names are reported as errors when nil.
	Choose func(ref addon.AddonRef, candidates []addon.CatalogueEntry) (addon.CatalogueEntry, error)
}

func (m *Manager) begin(ctx context.Context, op string) (context.Context, string, func()) {
	id := uuid.NewString()
	ctx = telemetry.WithBatch(ctx, id)
	ctx = telemetry.WithContext(ctx, m.log.With().Str("batch", id).Str("op", op).Logger())
	ctx, span := telemetry.StartSpan(ctx, "manager."+op, attribute.String("batch", id))
	return ctx, id, func() { span.End() }
}

// Install resolves refs and their dependencies and installs whatever is
// missing or out of date.
func (m *Manager) Install(ctx context.Context, refs []addon.AddonRef, opts Options) (*Report, error) {
	ctx, id, end := m.begin(ctx, "install")
	defer end()

	installed, err := m.installedFor(ctx)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, id, refs, installed, opts, installer.PlanOptions{}), nil
}

// Update brings installed add-ons to the newest release their constraint
// allows. With no refs every installed add-on is updated.
func (m *Manager) Update(ctx context.Context, refs []addon.AddonRef, opts Options) (*Report, error) {
	ctx, id, end := m.begin(ctx, "update")
	defer end()

	installed, err := m.installedFor(ctx)
	if err != nil {
		return nil, err
	}

	var targets []addon.AddonRef
	var missing []Result
	if len(refs) == 0 {
		for _, a := range installed {
			targets = append(targets, a.Ref())
		}
	} else {
		for _, ref := range refs {
			a := findInstalled(installed, ref)
			if a == nil {
				missing = append(missing, notInstalled(ref, addon.StageResolve))
				continue
			}
			target := a.Ref()
			if ref.Constraint != "" {
				target.Constraint = ref.Constraint
			}
			if ref.Prerelease {
				target.Prerelease = true
			}
			targets = append(targets, target)
		}
	}

	report := m.apply(ctx, id, targets, installed, opts, installer.PlanOptions{})
	report.Results = append(missing, report.Results...)
	return report, nil
}

// Remove uninstalls the add-ons refs name. An add-on other installed
// add-ons depend on is refused unless opts.Force is set.
func (m *Manager) Remove(ctx context.Context, refs []addon.AddonRef, opts Options) (*Report, error) {
	ctx, id, end := m.begin(ctx, "remove")
	defer end()

	installed, err := m.installedFor(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{BatchID: id}
	var keys []addon.Key
	for _, ref := range refs {
		a := findInstalled(installed, ref)
		if a == nil {
			report.Results = append(report.Results, notInstalled(ref, addon.StageRemove))
			continue
		}
		keys = append(keys, a.Key())
	}

	plan := installer.BuildPlan(nil, installed, installer.PlanOptions{Removals: keys, Force: opts.Force})
	for _, r := range m.installer.Execute(ctx, plan) {
		report.Results = append(report.Results, fromItem(r))
	}
	return report, nil
}

// Sync converges the installation on manifest: missing add-ons are
// installed, outdated ones updated and add-ons the manifest does not name
// (directly or as a dependency) removed. Add-ons whose entries fail to
// resolve are left alone.
func (m *Manager) Sync(ctx context.Context, manifest *config.Manifest, opts Options) (*Report, error) {
	ctx, id, end := m.begin(ctx, "sync")
	defer end()

	refs, err := manifest.Refs()
	if err != nil {
		return nil, err
	}
	installed, err := m.installedFor(ctx)
	if err != nil {
		return nil, err
	}

	report := m.apply(ctx, id, refs, installed, opts, installer.PlanOptions{FullSync: true})

	after, err := m.state.List(ctx)
	if err != nil {
		return report, err
	}
	pinned := manifest.Pinned()
	for _, ref := range refs {
		a := findInstalled(after, ref)
		if a == nil || a.Pinned == pinned[ref.Key()] {
			continue
		}
		if err := m.state.SetFlags(ctx, a.Source, a.ID, a.Enabled, pinned[ref.Key()]); err != nil {
			return report, err
		}
	}
	return report, nil
}

// apply resolves refs, plans against installed and executes the plan.
func (m *Manager) apply(ctx context.Context, id string, refs []addon.AddonRef, installed []*addon.InstalledAddon, opts Options, popts installer.PlanOptions) *Report {
	report := &Report{BatchID: id}
	refs, failed := m.disambiguate(ctx, refs, opts)
	report.Results = append(report.Results, failed...)

	ropts := resolver.Options{MaxDepth: m.settings.MaxDepth, NoDeps: opts.NoDeps, Installed: installed}
	if popts.FullSync {
		// Installed dependencies must become targets, or a full sync would
		// remove them.
		ropts.Installed = nil
	}
	res := m.resolver.Resolve(ctx, refs, ropts)
	report.Warnings = res.Warnings

	popts.Force, popts.Replace = opts.Force, opts.Replace
	popts.Constraints = make(map[addon.Key]string)
	popts.Prerelease = make(map[addon.Key]bool)
	requestedBy := make(map[addon.Key]addon.AddonRef)
	for _, ref := range res.Order {
		if err := res.Errors[ref]; err != nil {
			report.Results = append(report.Results, Result{
				Ref:        ref,
				Key:        ref.Key(),
				Dependency: isDependency(res, ref),
				Err:        err,
			})
			if a := findInstalled(installed, ref); a != nil {
				popts.Keep = append(popts.Keep, a.Key())
			}
			continue
		}
		// The first ref naming a key picks its release; its constraint and
		// channel are the ones recorded.
		rel := res.Releases[ref]
		if _, ok := requestedBy[rel.Key()]; ok {
			continue
		}
		requestedBy[rel.Key()] = ref
		if isDependency(res, ref) {
			continue
		}
		if ref.Constraint != "" {
			popts.Constraints[rel.Key()] = ref.Constraint
		}
		popts.Prerelease[rel.Key()] = ref.Prerelease
	}
	for _, f := range failed {
		if a := findInstalled(installed, f.Ref); a != nil {
			popts.Keep = append(popts.Keep, a.Key())
		}
	}

	plan := installer.BuildPlan(res.Targets(), installed, popts)
	for _, r := range m.installer.Execute(ctx, plan) {
		out := fromItem(r)
		if ref, ok := requestedBy[r.Key]; ok {
			out.Ref = ref
			out.Dependency = isDependency(res, ref)
		}
		report.Results = append(report.Results, out)
	}
	return report
}

// disambiguate replaces bare names with the catalogue entry they denote
// when opts.Choose can settle an ambiguity. Other refs pass through; the
// resolver reports their lookup errors.
func (m *Manager) disambiguate(ctx context.Context, refs []addon.AddonRef, opts Options) ([]addon.AddonRef, []Result) {
	if opts.Choose == nil {
		return refs, nil
	}
	out := make([]addon.AddonRef, 0, len(refs))
	var failed []Result
	for _, ref := range refs {
		if ref.Source != addon.SourceAny {
			out = append(out, ref)
			continue
		}
		hits, err := m.catalogue.Lookup(ctx, ref.ID)
		if err != nil || len(hits) < 2 {
			out = append(out, ref)
			continue
		}
		chosen, err := opts.Choose(ref, hits)
		if err != nil {
			failed = append(failed, Result{
				Ref: ref,
				Key: ref.Key(),
				Err: addon.NewItemError(ref.Key(), addon.StageCatalogue, err),
			})
			continue
		}
		concrete := chosen.Ref()
		concrete.Constraint, concrete.Prerelease = ref.Constraint, ref.Prerelease
		out = append(out, concrete)
	}
	return out, failed
}

// installedFor lists the install state for a batch that changes the add-on
// directory.
func (m *Manager) installedFor(ctx context.Context) ([]*addon.InstalledAddon, error) {
	if m.installer == nil {
		return nil, config.ErrNoAddonDir
	}
	return m.state.List(ctx)
}

// List returns every installed add-on.
func (m *Manager) List(ctx context.Context) ([]*addon.InstalledAddon, error) {
	return m.state.List(ctx)
}

// Search queries the catalogue.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]addon.CatalogueEntry, error) {
	ctx, _, end := m.begin(ctx, "search")
	defer end()
	return m.catalogue.Search(ctx, query, limit)
}

// RefreshCatalogue rebuilds the catalogue index from every source that can
// list its add-ons.
func (m *Manager) RefreshCatalogue(ctx context.Context) *catalogue.RefreshReport {
	ctx, _, end := m.begin(ctx, "catalogue.refresh")
	defer end()
	return m.catalogue.Refresh(ctx)
}

// Pin stops update from touching the add-ons refs name.
func (m *Manager) Pin(ctx context.Context, refs []addon.AddonRef) []Result {
	return m.setPinned(ctx, refs, true)
}

func (m *Manager) Unpin(ctx context.Context, refs []addon.AddonRef) []Result {
	return m.setPinned(ctx, refs, false)
}

func (m *Manager) setPinned(ctx context.Context, refs []addon.AddonRef, pinned bool) []Result {
	installed, err := m.state.List(ctx)
	if err != nil {
		return []Result{{Err: err}}
	}
	reason := "unpinned"
	if pinned {
		reason = "pinned"
	}

	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		a := findInstalled(installed, ref)
		if a == nil {
			results = append(results, notInstalled(ref, addon.StageResolve))
			continue
		}
		r := Result{Ref: ref, Key: a.Key(), Name: a.Name, From: a.Version, To: a.Version, Reason: reason}
		r.Err = m.state.SetFlags(ctx, a.Source, a.ID, a.Enabled, pinned)
		results = append(results, r)
	}
	return results
}

// Export writes a manifest reproducing the current installation to path.
func (m *Manager) Export(ctx context.Context, path, name string) (*config.Manifest, error) {
	installed, err := m.state.List(ctx)
	if err != nil {
		return nil, err
	}
	manifest := config.FromInstalled(name, installed)
	if err := config.SaveFile(path, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func findInstalled(installed []*addon.InstalledAddon, ref addon.AddonRef) *addon.InstalledAddon {
	for _, a := range installed {
		if a.Matches(ref) {
			return a
		}
	}
	return nil
}

func isDependency(res *resolver.Result, ref addon.AddonRef) bool {
	_, ok := res.RequiredBy[ref]
	return ok
}

func notInstalled(ref addon.AddonRef, stage addon.Stage) Result {
	return Result{
		Ref: ref,
		Key: ref.Key(),
		Err: addon.NewItemError(ref.Key(), stage, addon.ErrNotInstalled),
	}
}
