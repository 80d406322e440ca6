package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

const (
	tukuiBaseURL  = "https://api.tukui.org/v1"
	tukuiPageSize = 50
)

// Tukui serves a small set of UI suites and plugins. Identifiers are either
// the numeric id or the slug (elvui, tukui).
type Tukui struct {
	*Client
}

var (
	_ Adapter = &Tukui{}
	_ Lister  = &Tukui{}
)

func NewTukui(opts ...Option) *Tukui {
	return &Tukui{Client: newClient(addon.SourceTukui, tukuiBaseURL, "", opts...)}
}

func (t *Tukui) Source() addon.Source { return addon.SourceTukui }

func (t *Tukui) Policy() Policy {
	return Policy{
		MaxConcurrent:  4,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Timeout:        20 * time.Second,
	}
}

type tukuiAddon struct {
	ID         int    `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Version    string `json:"version"`
	LastUpdate string `json:"last_update"`
}

func (t *Tukui) list(ctx context.Context) ([]tukuiAddon, error) {
	var addons []tukuiAddon
	if _, err := t.getJSON(ctx, "/addons", &addons); err != nil {
		return nil, fmt.Errorf("fetching add-on list: %w", err)
	}
	return addons, nil
}

func (t *Tukui) Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id := ref.ID
	addons, err := t.list(ctx)
	if err != nil {
		return nil, err
	}

	for _, a := range addons {
		if strconv.Itoa(a.ID) != id && a.Slug != id {
			continue
		}
		rel := &addon.Release{
			Source:      addon.SourceTukui,
			ID:          strconv.Itoa(a.ID),
			Slug:        a.Slug,
			Name:        a.Name,
			Version:     a.Version,
			Token:       a.Version,
			DownloadURL: a.URL,
		}
		if ts, err := time.Parse(time.DateOnly, a.LastUpdate); err == nil {
			rel.Published = ts
		}
		return addon.SelectRelease([]*addon.Release{rel}, ref.Constraint)
	}
	return nil, fmt.Errorf("add-on %s: %w", id, addon.ErrNotFound)
}

func (t *Tukui) ListAll(ctx context.Context) ([]addon.CatalogueEntry, error) {
	addons, err := t.list(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	entries := make([]addon.CatalogueEntry, 0, len(addons))
	for _, a := range addons {
		entries = append(entries, addon.CatalogueEntry{
			Name:     a.Name,
			Slug:     a.Slug,
			Source:   addon.SourceTukui,
			ID:       strconv.Itoa(a.ID),
			LastSeen: now,
		})
	}
	return entries, nil
}

func (t *Tukui) Search(ctx context.Context, query, pageToken string) (*SearchPage, error) {
	entries, err := t.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterPage(entries, query, pageToken, tukuiPageSize)
}
