package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

const (
	curseForgeBaseURL = "https://api.curseforge.com"
	curseWoWGameID    = 1
	cursePageSize     = 50

	curseReleaseTypeRelease = 1
	curseHashSHA1           = 1
	curseHashMD5            = 2
	curseRelationRequired   = 3
)

type CurseForge struct {
	*Client
}

var _ Adapter = &CurseForge{}

// NewCurseForge returns the CurseForge adapter. The API requires a key,
// supplied with WithToken.
func NewCurseForge(opts ...Option) *CurseForge {
	return &CurseForge{Client: newClient(addon.SourceCurseForge, curseForgeBaseURL, "x-api-key", opts...)}
}

func (cf *CurseForge) Source() addon.Source { return addon.SourceCurseForge }

func (cf *CurseForge) Policy() Policy {
	return Policy{
		MaxConcurrent:  8,
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Timeout:        20 * time.Second,
	}
}

type curseMod struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type curseFile struct {
	ID          int       `json:"id"`
	DisplayName string    `json:"displayName"`
	ReleaseType int       `json:"releaseType"`
	FileDate    time.Time `json:"fileDate"`
	DownloadURL string    `json:"downloadUrl"`
	Hashes      []struct {
		Value string `json:"value"`
		Algo  int    `json:"algo"`
	} `json:"hashes"`
	Dependencies []struct {
		ModID        int `json:"modId"`
		RelationType int `json:"relationType"`
	} `json:"dependencies"`
}

type curseSearchResponse struct {
	Data       []curseMod `json:"data"`
	Pagination struct {
		Index       int `json:"index"`
		PageSize    int `json:"pageSize"`
		ResultCount int `json:"resultCount"`
		TotalCount  int `json:"totalCount"`
	} `json:"pagination"`
}

// Resolve accepts a numeric project id or a slug. Releases are always keyed
// by the numeric id, which is what dependency declarations reference. Beta
// and alpha files only win over stable ones when ref.Prerelease is set.
func (cf *CurseForge) Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id := ref.ID
	mod, err := cf.mod(ctx, id)
	if err != nil {
		return nil, err
	}

	var files struct {
		Data []curseFile `json:"data"`
	}
	if _, err := cf.getJSON(ctx, fmt.Sprintf("/v1/mods/%d/files?pageSize=%d", mod.ID, cursePageSize), &files); err != nil {
		return nil, fmt.Errorf("listing files for %s: %w", id, err)
	}

	// Preferred files first, newest first within each group.
	var preferred, other []*addon.Release
	for _, f := range files.Data {
		if f.DownloadURL == "" {
			continue
		}
		rel := cf.toRelease(mod, f)
		if f.ReleaseType == curseReleaseTypeRelease || ref.Prerelease {
			preferred = append(preferred, rel)
		} else {
			other = append(other, rel)
		}
	}
	sortNewestFirst(preferred)
	sortNewestFirst(other)

	rel, err := addon.SelectRelease(append(preferred, other...), ref.Constraint)
	if errors.Is(err, addon.ErrNotFound) {
		return nil, fmt.Errorf("%s has no downloadable files: %w", id, addon.ErrNotFound)
	}
	return rel, err
}

func (cf *CurseForge) mod(ctx context.Context, id string) (curseMod, error) {
	if n, err := strconv.Atoi(id); err == nil {
		var resp struct {
			Data curseMod `json:"data"`
		}
		if _, err := cf.getJSON(ctx, fmt.Sprintf("/v1/mods/%d", n), &resp); err != nil {
			return curseMod{}, fmt.Errorf("fetching project %s: %w", id, err)
		}
		return resp.Data, nil
	}

	q := url.Values{}
	q.Set("gameId", strconv.Itoa(curseWoWGameID))
	q.Set("slug", id)
	var resp curseSearchResponse
	if _, err := cf.getJSON(ctx, "/v1/mods/search?"+q.Encode(), &resp); err != nil {
		return curseMod{}, fmt.Errorf("looking up slug %s: %w", id, err)
	}
	for _, m := range resp.Data {
		if m.Slug == id {
			return m, nil
		}
	}
	return curseMod{}, fmt.Errorf("slug %s: %w", id, addon.ErrNotFound)
}

func (cf *CurseForge) toRelease(mod curseMod, f curseFile) *addon.Release {
	rel := &addon.Release{
		Source:      addon.SourceCurseForge,
		ID:          strconv.Itoa(mod.ID),
		Slug:        mod.Slug,
		Name:        mod.Name,
		Version:     f.DisplayName,
		Token:       strconv.Itoa(f.ID),
		DownloadURL: f.DownloadURL,
		Published:   f.FileDate,
	}
	// Prefer sha1 over md5 when both are published.
	for _, h := range f.Hashes {
		switch {
		case h.Algo == curseHashSHA1:
			rel.Checksum = "sha1:" + h.Value
		case h.Algo == curseHashMD5 && rel.Checksum == "":
			rel.Checksum = "md5:" + h.Value
		}
	}
	for _, d := range f.Dependencies {
		if d.RelationType == curseRelationRequired {
			rel.Dependencies = append(rel.Dependencies, addon.AddonRef{
				Source: addon.SourceCurseForge,
				ID:     strconv.Itoa(d.ModID),
			})
		}
	}
	return rel
}

// Search pages through the CurseForge search endpoint. The page token is
// the result index of the next page.
func (cf *CurseForge) Search(ctx context.Context, query, pageToken string) (*SearchPage, error) {
	index := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		index = n
	}

	q := url.Values{}
	q.Set("gameId", strconv.Itoa(curseWoWGameID))
	q.Set("searchFilter", query)
	q.Set("index", strconv.Itoa(index))
	q.Set("pageSize", strconv.Itoa(cursePageSize))

	var resp curseSearchResponse
	if _, err := cf.getJSON(ctx, "/v1/mods/search?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	page := &SearchPage{}
	now := cf.now()
	for _, m := range resp.Data {
		page.Hits = append(page.Hits, addon.CatalogueEntry{
			Name:     m.Name,
			Slug:     m.Slug,
			Source:   addon.SourceCurseForge,
			ID:       strconv.Itoa(m.ID),
			LastSeen: now,
		})
	}
	next := index + len(resp.Data)
	if len(resp.Data) > 0 && next < resp.Pagination.TotalCount {
		page.Next = strconv.Itoa(next)
	}
	return page, nil
}
