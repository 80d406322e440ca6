package installer

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

type Action string

const (
	ActionInstall Action = "install"
	ActionUpdate  Action = "update"
	ActionNoop    Action = "noop"
	ActionRemove  Action = "remove"
)

// Item is one planned change. Err is set when the plan already knows the
// item cannot be carried out; Execute reports it without touching disk.
type Item struct {
	Action  Action
	Key     addon.Key
	Release *addon.Release
	Current *addon.InstalledAddon
	// Constraint is persisted with the record so later updates honour it.
	Constraint string
	// Prerelease is persisted the same way.
	Prerelease bool
	Reason     string
	Err        error
}

type Plan struct {
	Items []*Item
	// Replace lets installs take over unmanaged folders that already exist.
	Replace bool
}

// Counts returns the number of items per action.
func (p *Plan) Counts() map[string]int {
	counts := make(map[string]int)
	for _, it := range p.Items {
		counts[string(it.Action)]++
	}
	return counts
}

// Changes reports whether executing the plan would touch anything.
func (p *Plan) Changes() bool {
	for _, it := range p.Items {
		if it.Action != ActionNoop && it.Err == nil {
			return true
		}
	}
	return false
}

type PlanOptions struct {
	// Force reinstalls up-to-date and pinned add-ons and removes add-ons
	// other add-ons depend on.
	Force bool
	// FullSync removes installed add-ons that are not among the targets.
	FullSync bool
	// Keep protects installed add-ons from FullSync removal. Targets that
	// failed to resolve belong here.
	Keep []addon.Key
	// Removals are removed explicitly.
	Removals []addon.Key
	// Constraints are the requested constraints, keyed by target.
	Constraints map[addon.Key]string
	// Prerelease marks targets resolved with pre-releases allowed.
	Prerelease map[addon.Key]bool
	Replace    bool
}

// BuildPlan compares the desired releases with what is installed.
func BuildPlan(targets []*addon.Release, installed []*addon.InstalledAddon, opts PlanOptions) *Plan {
	plan := &Plan{Replace: opts.Replace}

	byKey := make(map[addon.Key]*addon.InstalledAddon, len(installed))
	for _, a := range installed {
		byKey[a.Key()] = a
	}

	wanted := make(map[addon.Key]bool, len(targets))
	for _, rel := range targets {
		k := rel.Key()
		if wanted[k] {
			continue
		}
		wanted[k] = true

		it := &Item{Key: k, Release: rel, Constraint: opts.Constraints[k], Prerelease: opts.Prerelease[k]}
		cur := byKey[k]
		it.Current = cur
		switch {
		case cur == nil:
			it.Action = ActionInstall
		case cur.Pinned && !opts.Force:
			it.Action, it.Reason = ActionNoop, "pinned"
		case cur.Token == rel.Token && !opts.Force:
			it.Action, it.Reason = ActionNoop, "up to date"
		default:
			it.Action = ActionUpdate
		}
		if cur != nil && it.Constraint == "" {
			it.Constraint = cur.Constraint
		}
		plan.Items = append(plan.Items, it)
	}

	removing := make(map[addon.Key]bool)
	for _, k := range opts.Removals {
		removing[k] = true
	}
	if opts.FullSync {
		for _, a := range installed {
			if !wanted[a.Key()] && !slices.Contains(opts.Keep, a.Key()) {
				removing[a.Key()] = true
			}
		}
	}

	keys := make([]addon.Key, 0, len(removing))
	for k := range removing {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b addon.Key) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.ID, b.ID))
	})

	var refused map[addon.Key][]addon.Key
	if !opts.Force {
		refused = refuseRemovals(installed, keys, removing)
	}
	for _, k := range keys {
		it := &Item{Action: ActionRemove, Key: k, Current: byKey[k]}
		switch {
		case it.Current == nil:
			it.Err = addon.NewItemError(k, addon.StageRemove, addon.ErrNotInstalled)
		case len(refused[k]) > 0:
			it.Err = addon.NewItemError(k, addon.StageRemove,
				fmt.Errorf("%w: needed by %v", addon.ErrDependencyViolation, refused[k]))
		}
		plan.Items = append(plan.Items, it)
	}
	return plan
}

// refuseRemovals returns the removals that would leave an add-on without a
// dependency, with the add-ons that need them. A refused add-on stays
// installed, so its own dependencies are refused in turn until nothing
// changes. removing is updated in place.
func refuseRemovals(installed []*addon.InstalledAddon, keys []addon.Key, removing map[addon.Key]bool) map[addon.Key][]addon.Key {
	refused := make(map[addon.Key][]addon.Key)
	for changed := true; changed; {
		changed = false
		for _, k := range keys {
			if !removing[k] {
				continue
			}
			if deps := dependents(installed, k, removing); len(deps) > 0 {
				refused[k] = deps
				delete(removing, k)
				changed = true
			}
		}
	}
	return refused
}

// dependents returns the installed add-ons that depend on k and are not
// being removed themselves.
func dependents(installed []*addon.InstalledAddon, k addon.Key, removing map[addon.Key]bool) []addon.Key {
	var out []addon.Key
	for _, a := range installed {
		if removing[a.Key()] {
			continue
		}
		if slices.Contains(a.Dependencies, k) {
			out = append(out, a.Key())
		}
	}
	return out
}
