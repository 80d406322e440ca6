package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

const (
	gitHubBaseURL  = "https://api.github.com"
	gitHubPerPage  = 30
	gitHubMaxPages = 3
	gitHubTopic    = "world-of-warcraft-addon"
)

// GitHub resolves add-ons published as zip assets on GitHub releases.
// Identifiers are owner/repo.
type GitHub struct {
	*Client
}

var _ Adapter = &GitHub{}

// NewGitHub returns the GitHub adapter. A token raises the rate limit from
// 60 to 5000 requests per hour.
func NewGitHub(opts ...Option) *GitHub {
	return &GitHub{Client: newClient(addon.SourceGitHub, gitHubBaseURL, "Authorization", opts...)}
}

func (g *GitHub) Source() addon.Source { return addon.SourceGitHub }

func (g *GitHub) Policy() Policy {
	return Policy{
		MaxConcurrent:  4,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        20 * time.Second,
	}
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	ContentType        string `json:"content_type"`
	// Digest is "sha256:<hex>" on assets uploaded after mid 2025.
	Digest string `json:"digest"`
}

type githubSearchResponse struct {
	TotalCount int `json:"total_count"`
	Items      []struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
	} `json:"items"`
}

// Resolve picks from the newest releases of owner/repo. Releases marked as
// pre-releases only win when ref.Prerelease is set; drafts never do.
func (g *GitHub) Resolve(ctx context.Context, ref addon.AddonRef) (*addon.Release, error) {
	id := ref.ID
	owner, repo, ok := strings.Cut(id, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github identifier %q is not owner/repo: %w", id, addon.ErrNotFound)
	}

	pageURL := fmt.Sprintf("/repos/%s/%s/releases?per_page=%d", url.PathEscape(owner), url.PathEscape(repo), gitHubPerPage)
	var stable, pre []*addon.Release
	for page := 0; page < gitHubMaxPages && pageURL != ""; page++ {
		var releases []githubRelease
		header, err := g.getJSON(ctx, pageURL, &releases)
		if err != nil {
			return nil, fmt.Errorf("listing releases for %s: %w", id, err)
		}
		for _, r := range releases {
			if r.Draft {
				continue
			}
			rel := g.toRelease(id, repo, r)
			switch {
			case rel == nil:
			case r.Prerelease && !ref.Prerelease:
				pre = append(pre, rel)
			default:
				stable = append(stable, rel)
			}
		}
		// Without a constraint the first page holds the newest release.
		if ref.Constraint == "" && len(stable) > 0 {
			break
		}
		pageURL = ""
		if header != nil {
			pageURL = parseLinkHeader(header.Get("Link"))
		}
	}

	sortNewestFirst(stable)
	sortNewestFirst(pre)
	rel, err := addon.SelectRelease(append(stable, pre...), ref.Constraint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return rel, nil
}

func (g *GitHub) toRelease(id, repo string, r githubRelease) *addon.Release {
	for _, a := range r.Assets {
		if !strings.HasSuffix(strings.ToLower(a.Name), ".zip") {
			continue
		}
		return &addon.Release{
			Source:      addon.SourceGitHub,
			ID:          id,
			Slug:        strings.ToLower(repo),
			Name:        repo,
			Version:     r.TagName,
			Token:       r.TagName,
			DownloadURL: a.BrowserDownloadURL,
			Checksum:    a.Digest,
			Published:   r.PublishedAt,
		}
	}
	return nil
}

// Search queries repositories tagged as add-ons. The page token is the
// 1-based page number.
func (g *GitHub) Search(ctx context.Context, query, pageToken string) (*SearchPage, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		page = n
	}

	q := url.Values{}
	q.Set("q", query+" topic:"+gitHubTopic)
	q.Set("per_page", strconv.Itoa(gitHubPerPage))
	q.Set("page", strconv.Itoa(page))

	var resp githubSearchResponse
	if _, err := g.getJSON(ctx, "/search/repositories?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}

	out := &SearchPage{}
	now := g.now()
	for _, item := range resp.Items {
		out.Hits = append(out.Hits, addon.CatalogueEntry{
			Name:     item.Name,
			Slug:     strings.ToLower(item.Name),
			Source:   addon.SourceGitHub,
			ID:       item.FullName,
			LastSeen: now,
		})
	}
	if len(resp.Items) > 0 && page*gitHubPerPage < resp.TotalCount {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}
