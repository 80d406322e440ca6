package manager

import (
	"errors"
	"fmt"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/installer"
	"github.com/addonpkg/addonpkg/pkg/resolver"
)

// Result is the outcome for one add-on of a batch. Action is empty when the
// add-on failed before it could be planned.
type Result struct {
	// Ref is the reference the user asked for, or the dependency edge that
	// pulled the add-on in. It is zero for removals planned by a sync.
	Ref        addon.AddonRef
	Key        addon.Key
	Action     installer.Action
	Name       string
	From       string
	To         string
	Reason     string
	Dependency bool
	Err        error
	Warnings   []string
}

func fromItem(r installer.ItemResult) Result {
	return Result{
		Key:      r.Key,
		Action:   r.Action,
		Name:     r.Name,
		From:     r.From,
		To:       r.To,
		Reason:   r.Reason,
		Err:      r.Err,
		Warnings: r.Warnings,
	}
}

func (r Result) label() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Ref != (addon.AddonRef{}) {
		return r.Ref.String()
	}
	return r.Key.String()
}

// Message is a one-line human description of the result.
func (r Result) Message() string {
	if r.Err != nil {
		var amb *addon.AmbiguousRefError
		switch {
		case errors.As(r.Err, &amb):
			return amb.Error()
		case errors.Is(r.Err, addon.ErrNotInstalled):
			return fmt.Sprintf("%s is not installed", r.label())
		case errors.Is(r.Err, addon.ErrNotFound):
			return fmt.Sprintf("%s not found", r.label())
		}
		return r.Err.Error()
	}

	switch r.Action {
	case installer.ActionInstall:
		return fmt.Sprintf("installed %s %s", r.label(), r.To)
	case installer.ActionUpdate:
		if r.From == r.To {
			return fmt.Sprintf("reinstalled %s %s", r.label(), r.To)
		}
		return fmt.Sprintf("updated %s from %s to %s", r.label(), r.From, r.To)
	case installer.ActionRemove:
		return fmt.Sprintf("removed %s", r.label())
	}
	switch r.Reason {
	case "pinned":
		return fmt.Sprintf("%s is pinned at %s", r.label(), r.From)
	case "unpinned":
		return fmt.Sprintf("%s is no longer pinned", r.label())
	case "up to date":
		return fmt.Sprintf("%s is up to date", r.label())
	}
	return fmt.Sprintf("%s: %s", r.label(), r.Reason)
}

// Report collects the results of one batch.
type Report struct {
	BatchID  string
	Results  []Result
	Warnings []resolver.Warning
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Counts returns how many results ended in each action, plus "failed".
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, res := range r.Results {
		if res.Err != nil {
			counts["failed"]++
			continue
		}
		counts[string(res.Action)]++
	}
	return counts
}

// Err summarises failures; nil when every item succeeded.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d add-ons failed", len(failed), len(r.Results))
}
