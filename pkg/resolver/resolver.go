// Package resolver turns add-on references into concrete releases. Refs are
// resolved concurrently, bounded per source; dependencies are expanded
// breadth first. One bad reference never fails the batch: every ref gets
// exactly one outcome, a release or an error.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/source"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// DefaultMaxDepth bounds dependency expansion below the requested refs.
const DefaultMaxDepth = 5

// Catalogue turns a bare name into the entries that carry it.
type Catalogue interface {
	Lookup(ctx context.Context, nameOrSlug string) ([]addon.CatalogueEntry, error)
}

type Config struct {
	Registry *source.Registry
	// Limiter applies per-source ceilings and retries. Adapters are called
	// directly when nil.
	Limiter *source.Limiter
	// Catalogue resolves refs with the "any" source. Such refs fail with
	// addon.ErrNotFound when nil.
	Catalogue Catalogue
	Metrics   *telemetry.Metrics
	Events    telemetry.Emitter
	Log       zerolog.Logger
}

type Resolver struct {
	registry  *source.Registry
	limiter   *source.Limiter
	catalogue Catalogue
	metrics   *telemetry.Metrics
	events    telemetry.Emitter
	log       zerolog.Logger

	flight singleflight.Group
}

func New(cfg Config) *Resolver {
	events := cfg.Events
	if events == nil {
		events = telemetry.Nop()
	}
	return &Resolver{
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		catalogue: cfg.Catalogue,
		metrics:   cfg.Metrics,
		events:    events,
		log:       cfg.Log,
	}
}

type Options struct {
	// MaxDepth bounds dependency expansion; 0 means DefaultMaxDepth.
	MaxDepth int
	// NoDeps disables dependency expansion.
	NoDeps bool
	// Installed add-ons are not expanded as dependencies.
	Installed []*addon.InstalledAddon
}

type WarningKind string

const (
	WarningCycle WarningKind = "cycle"
	WarningDepth WarningKind = "depth"
)

// Warning is a non-fatal finding of dependency expansion.
type Warning struct {
	Kind WarningKind
	// Ref is the dependency that was skipped.
	Ref addon.AddonRef
	// Path is the chain of add-ons that led to Ref, outermost first.
	Path []addon.Key
	Err  error
}

func (w Warning) String() string {
	return w.Err.Error()
}

type Result struct {
	Releases map[addon.AddonRef]*addon.Release
	Errors   map[addon.AddonRef]error
	Warnings []Warning
	// Order lists every ref with an outcome: the requested refs first, then
	// dependencies in the order they were discovered.
	Order []addon.AddonRef
	// RequiredBy maps each dependency ref to the add-on that pulled it in.
	RequiredBy map[addon.AddonRef]addon.Key
}

// Targets returns the resolved releases in Order, without duplicates.
func (r *Result) Targets() []*addon.Release {
	var out []*addon.Release
	seen := make(map[addon.Key]bool)
	for _, ref := range r.Order {
		rel := r.Releases[ref]
		if rel == nil || seen[rel.Key()] {
			continue
		}
		seen[rel.Key()] = true
		out = append(out, rel)
	}
	return out
}

type node struct {
	ref   addon.AddonRef
	depth int
	path  []addon.Key
}

type outcome struct {
	rel   *addon.Release
	stage addon.Stage
	err   error
}

// Resolve resolves refs and their dependencies.
func (r *Resolver) Resolve(ctx context.Context, refs []addon.AddonRef, opts Options) *Result {
	ctx, span := telemetry.StartSpan(ctx, "resolver.Resolve", attribute.Int("refs", len(refs)))
	defer span.End()

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	res := &Result{
		Releases:   make(map[addon.AddonRef]*addon.Release),
		Errors:     make(map[addon.AddonRef]error),
		RequiredBy: make(map[addon.AddonRef]addon.Key),
	}
	// known holds every key already requested, resolved or queued.
	known := make(map[addon.Key]bool)
	// resolved holds the first release seen for each key; its dependency
	// edges are walked to find cycles between requested add-ons.
	resolved := make(map[addon.Key]*addon.Release)
	// cycles holds the member sets of cycles already warned about.
	cycles := make(map[string]bool)

	// Refs differing only in constraint are distinct requests and each gets
	// its own outcome.
	requested := make(map[addon.AddonRef]bool)
	var round []node
	for _, ref := range refs {
		if requested[ref] {
			continue
		}
		requested[ref] = true
		known[ref.Key()] = true
		round = append(round, node{ref: ref})
		res.Order = append(res.Order, ref)
	}

	telemetry.Emit(ctx, r.events, telemetry.Event{Type: telemetry.EventResolveStarted, Counts: map[string]int{"refs": len(round)}})

	for len(round) > 0 {
		outcomes := r.resolveRound(ctx, round)

		for i, n := range round {
			o := outcomes[i]
			if o.err != nil {
				res.Errors[n.ref] = addon.NewItemError(n.ref.Key(), o.stage, o.err)
				continue
			}
			res.Releases[n.ref] = o.rel
			known[o.rel.Key()] = true
			if _, ok := resolved[o.rel.Key()]; !ok {
				resolved[o.rel.Key()] = o.rel
			}
		}

		var next []node
		for _, n := range round {
			rel := res.Releases[n.ref]
			if rel == nil || opts.NoDeps {
				continue
			}
			path := append(slices.Clone(n.path), rel.Key())
			for _, dep := range rel.Dependencies {
				dk := dep.Key()
				if i := slices.Index(path, dk); i >= 0 {
					if id := cycleID(path[i:]); !cycles[id] {
						cycles[id] = true
						r.warn(ctx, res, Warning{
							Kind: WarningCycle,
							Ref:  dep,
							Path: path,
							Err:  fmt.Errorf("%w: %s", addon.ErrDependencyCycle, formatPath(slices.Concat(path, []addon.Key{dk}))),
						})
					}
					continue
				}
				if known[dk] {
					// dk was reached some other way, possibly as a requested
					// ref; it closes a cycle if it leads back here.
					if back := pathBetween(resolved, dk, rel.Key()); back != nil {
						if id := cycleID(back); !cycles[id] {
							cycles[id] = true
							r.warn(ctx, res, Warning{
								Kind: WarningCycle,
								Ref:  dep,
								Path: path,
								Err:  fmt.Errorf("%w: %s", addon.ErrDependencyCycle, formatPath(slices.Concat(path, back))),
							})
						}
					}
					continue
				}
				if isInstalled(opts.Installed, dep) {
					continue
				}
				if n.depth+1 > maxDepth {
					r.warn(ctx, res, Warning{
						Kind: WarningDepth,
						Ref:  dep,
						Path: path,
						Err:  fmt.Errorf("%w: %s needs %s beyond depth %d", addon.ErrDepthExceeded, rel.Key(), dk, maxDepth),
					})
					continue
				}
				known[dk] = true
				next = append(next, node{ref: dep, depth: n.depth + 1, path: path})
				res.Order = append(res.Order, dep)
				res.RequiredBy[dep] = rel.Key()
			}
		}
		round = next
	}

	span.SetAttributes(
		attribute.Int("releases", len(res.Releases)),
		attribute.Int("errors", len(res.Errors)),
		attribute.Int("warnings", len(res.Warnings)),
	)
	telemetry.Emit(ctx, r.events, telemetry.Event{
		Type: telemetry.EventResolveFinished,
		Counts: map[string]int{
			"resolved": len(res.Releases),
			"failed":   len(res.Errors),
			"warnings": len(res.Warnings),
		},
	})
	return res
}

func (r *Resolver) warn(ctx context.Context, res *Result, w Warning) {
	res.Warnings = append(res.Warnings, w)
	r.log.Warn().Err(w.Err).Str("kind", string(w.Kind)).Msg("dependency skipped")
	telemetry.Emit(ctx, r.events, telemetry.Event{
		Type:    telemetry.EventResolveWarning,
		Key:     w.Ref.Key(),
		Message: string(w.Kind),
		Err:     w.Err,
	})
}

// resolveRound resolves every node of a round concurrently. The limiter
// keeps each source within its ceiling.
func (r *Resolver) resolveRound(ctx context.Context, round []node) []outcome {
	outcomes := make([]outcome, len(round))
	var g errgroup.Group
	for i, n := range round {
		g.Go(func() error {
			start := time.Now()
			rel, stage, err := r.resolveOne(ctx, n.ref)
			outcomes[i] = outcome{rel: rel, stage: stage, err: err}

			result := "ok"
			switch {
			case errors.Is(err, addon.ErrNotFound):
				result = "not_found"
			case errors.Is(err, addon.ErrConstraintUnsatisfiable):
				result = "unsatisfiable"
			case err != nil:
				result = "error"
			}
			src := n.ref.Source
			if rel != nil {
				src = rel.Source
			}
			r.metrics.ObserveResolution(string(src), result, time.Since(start))

			ev := telemetry.Event{Type: telemetry.EventResolveFinished, Key: n.ref.Key(), Err: err}
			if rel != nil {
				ev.Key, ev.Version = rel.Key(), rel.Version
			}
			telemetry.Emit(ctx, r.events, ev)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Resolver) resolveOne(ctx context.Context, ref addon.AddonRef) (*addon.Release, addon.Stage, error) {
	if ref.Source == addon.SourceAny {
		concrete, err := r.lookup(ctx, ref)
		if err != nil {
			return nil, addon.StageCatalogue, err
		}
		ref = concrete
	}

	adapter, ok := r.registry.Get(ref.Source)
	if !ok {
		return nil, addon.StageResolve, fmt.Errorf("%w: %q", addon.ErrUnknownSource, ref.Source)
	}

	// Identical requests in flight share one call.
	flightKey := ref.String()
	if ref.Prerelease {
		flightKey += "+prerelease"
	}
	v, err, _ := r.flight.Do(flightKey, func() (any, error) {
		var rel *addon.Release
		call := func(ctx context.Context) error {
			var err error
			rel, err = adapter.Resolve(ctx, ref)
			return err
		}
		var err error
		if r.limiter != nil {
			err = r.limiter.Do(ctx, ref.Source, call)
		} else {
			err = call(ctx)
		}
		return rel, err
	})
	if err != nil {
		return nil, addon.StageResolve, err
	}
	rel := v.(*addon.Release)
	if rel == nil {
		return nil, addon.StageResolve, fmt.Errorf("%w: %s", addon.ErrNotFound, ref)
	}
	if !addon.Satisfies(rel.Version, ref.Constraint) {
		return nil, addon.StageResolve, fmt.Errorf("%w: %s resolved to %s", addon.ErrConstraintUnsatisfiable, ref, rel.Version)
	}
	return rel, "", nil
}

func (r *Resolver) lookup(ctx context.Context, ref addon.AddonRef) (addon.AddonRef, error) {
	if r.catalogue == nil {
		return ref, fmt.Errorf("%w: %q (no catalogue)", addon.ErrNotFound, ref.ID)
	}
	hits, err := r.catalogue.Lookup(ctx, ref.ID)
	if err != nil {
		return ref, err
	}
	switch len(hits) {
	case 0:
		return ref, fmt.Errorf("%w: no source offers %q", addon.ErrNotFound, ref.ID)
	case 1:
		concrete := hits[0].Ref()
		concrete.Constraint, concrete.Prerelease = ref.Constraint, ref.Prerelease
		return concrete, nil
	default:
		return ref, &addon.AmbiguousRefError{Ref: ref, Candidates: hits}
	}
}

func isInstalled(installed []*addon.InstalledAddon, ref addon.AddonRef) bool {
	for _, a := range installed {
		if a.Matches(ref) {
			return true
		}
	}
	return false
}

// pathBetween returns the shortest dependency chain from one key to another
// over the resolved releases, both ends included, or nil.
func pathBetween(resolved map[addon.Key]*addon.Release, from, to addon.Key) []addon.Key {
	prev := map[addon.Key]addon.Key{from: from}
	queue := []addon.Key{from}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if k == to {
			var chain []addon.Key
			for ; k != from; k = prev[k] {
				chain = append(chain, k)
			}
			chain = append(chain, from)
			slices.Reverse(chain)
			return chain
		}
		rel := resolved[k]
		if rel == nil {
			continue
		}
		for _, d := range rel.Dependencies {
			if _, seen := prev[d.Key()]; !seen {
				prev[d.Key()] = k
				queue = append(queue, d.Key())
			}
		}
	}
	return nil
}

// cycleID names a cycle by its members, independent of where it was entered.
func cycleID(keys []addon.Key) string {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.String())
	}
	slices.Sort(ids)
	return strings.Join(slices.Compact(ids), ",")
}

func formatPath(keys []addon.Key) string {
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += " -> "
		}
		s += k.String()
	}
	return s
}
