package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

const (
	wowiBaseURL  = "https://api.mmoui.com/v3/game/WOW"
	wowiPageSize = 50
)

// WoWI is the WoWInterface adapter. Identifiers are numeric file ids.
type WoWI struct {
	*Client
}

var (
	_ Adapter = &WoWI{}
	_ Lister  = &WoWI{}
)

func NewWoWI(opts ...Option) *WoWI {
	return &WoWI{Client: newClient(addon.SourceWoWI, wowiBaseURL, "", opts...)}
}

func (w *WoWI) Source() addon.Source { return addon.SourceWoWI }

func (w *WoWI) Policy() Policy {
	return Policy{
		MaxConcurrent:  6,
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Timeout:        30 * time.Second,
	}
}

type wowiListItem struct {
	UID     string `json:"UID"`
	Name    string `json:"UIName"`
	Version string `json:"UIVersion"`
	Date    int64  `json:"UIDate"`
}

type wowiDetails struct {
	UID      string `json:"UID"`
	Name     string `json:"UIName"`
	Version  string `json:"UIVersion"`
	MD5      string `json:"UIMD5"`
	Download string `json:"UIDownload"`
	Date     int64  `json:"UIDate"`
}

func (w *WoWI) Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id := ref.ID
	if _, err := strconv.Atoi(id); err != nil {
		return nil, fmt.Errorf("wowi identifier %q is not numeric: %w", id, addon.ErrNotFound)
	}

	var details []wowiDetails
	if _, err := w.getJSON(ctx, "/filedetails/"+id+".json", &details); err != nil {
		return nil, fmt.Errorf("fetching file details for %s: %w", id, err)
	}
	if len(details) == 0 {
		return nil, fmt.Errorf("file %s: %w", id, addon.ErrNotFound)
	}

	d := details[0]
	rel := &addon.Release{
		Source:      addon.SourceWoWI,
		ID:          d.UID,
		Slug:        slugify(d.Name),
		Name:        d.Name,
		Version:     d.Version,
		Token:       d.Version,
		DownloadURL: d.Download,
		Published:   time.UnixMilli(d.Date).UTC(),
	}
	if d.MD5 != "" {
		rel.Checksum = "md5:" + strings.ToLower(d.MD5)
	}
	return addon.SelectRelease([]*addon.Release{rel}, ref.Constraint)
}

// ListAll downloads the complete file list.
func (w *WoWI) ListAll(ctx context.Context) ([]addon.CatalogueEntry, error) {
	var items []wowiListItem
	if _, err := w.getJSON(ctx, "/filelist.json", &items); err != nil {
		return nil, fmt.Errorf("fetching file list: %w", err)
	}
	now := w.now()
	entries := make([]addon.CatalogueEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, addon.CatalogueEntry{
			Name:     it.Name,
			Slug:     slugify(it.Name),
			Source:   addon.SourceWoWI,
			ID:       it.UID,
			LastSeen: now,
		})
	}
	return entries, nil
}

// Search filters the file list by name. WoWInterface has no search
// endpoint, so paging happens over the (cached) list.
func (w *WoWI) Search(ctx context.Context, query, pageToken string) (*SearchPage, error) {
	entries, err := w.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterPage(entries, query, pageToken, wowiPageSize)
}
