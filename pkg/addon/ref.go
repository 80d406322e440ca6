package addon

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var wowiInfoPath = regexp.MustCompile(`^/downloads/(?:info|download|landing\.php\?fileid=)(\d+)`)

// ParseRef parses a user-provided reference. Accepted forms:
//
//	source:id[@constraint]   e.g. curseforge:deadly-boss-mods@>=10.0
//	id[@constraint]          looked up in the catalogue (source "any")
//	./path, ../path, /path   a local directory or zip archive
//	https://...              a project page on a supported host
func ParseRef(ref string) (AddonRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return AddonRef{}, fmt.Errorf("invalid ref: empty")
	}

	if isLocalPath(ref) {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return AddonRef{}, fmt.Errorf("resolving absolute path for %q: %w", ref, err)
		}
		return AddonRef{Source: SourceLocal, ID: filepath.ToSlash(abs)}, nil
	}

	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return parseURL(ref)
	}

	body, constraint, _ := strings.Cut(ref, "@")

	src := SourceAny
	id := body
	if name, rest, ok := strings.Cut(body, ":"); ok {
		parsed, err := ParseSource(name)
		if err != nil {
			return AddonRef{}, fmt.Errorf("invalid ref %q: %w", ref, err)
		}
		src, id = parsed, rest
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return AddonRef{}, fmt.Errorf("invalid ref %q: missing identifier", ref)
	}
	if src == SourceGitHub && strings.Count(id, "/") != 1 {
		return AddonRef{}, fmt.Errorf("invalid ref %q: github identifiers are owner/repo", ref)
	}
	if src == SourceLocal {
		abs, err := filepath.Abs(id)
		if err != nil {
			return AddonRef{}, fmt.Errorf("resolving absolute path for %q: %w", id, err)
		}
		id = filepath.ToSlash(abs)
	}

	return AddonRef{Source: src, ID: id, Constraint: strings.TrimSpace(constraint)}, nil
}

// MustParseRef is ParseRef for literals known to be valid.
func MustParseRef(ref string) AddonRef {
	r, err := ParseRef(ref)
	if err != nil {
		panic(err)
	}
	return r
}

func parseURL(raw string) (AddonRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return AddonRef{}, fmt.Errorf("invalid ref %q: %w", raw, err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch host {
	case "curseforge.com":
		// /wow/addons/<slug>[/files/...]
		if len(segments) >= 3 && segments[0] == "wow" && segments[1] == "addons" {
			return AddonRef{Source: SourceCurseForge, ID: segments[2]}, nil
		}
	case "wowinterface.com":
		target := u.Path
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
		if m := wowiInfoPath.FindStringSubmatch(target); m != nil {
			return AddonRef{Source: SourceWoWI, ID: m[1]}, nil
		}
	case "github.com":
		if len(segments) >= 2 && segments[0] != "" && segments[1] != "" {
			repo := strings.TrimSuffix(segments[1], ".git")
			return AddonRef{Source: SourceGitHub, ID: segments[0] + "/" + repo}, nil
		}
	case "tukui.org":
		q := u.Query()
		switch {
		case q.Get("id") != "":
			return AddonRef{Source: SourceTukui, ID: q.Get("id")}, nil
		case q.Get("ui") != "":
			return AddonRef{Source: SourceTukui, ID: q.Get("ui")}, nil
		case segments[0] == "elvui" || segments[0] == "tukui":
			return AddonRef{Source: SourceTukui, ID: segments[0]}, nil
		}
	}

	return AddonRef{}, fmt.Errorf("invalid ref %q: unrecognised add-on URL", raw)
}

// isLocalPath reports whether ref looks like a local filesystem path.
func isLocalPath(ref string) bool {
	return strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") || filepath.IsAbs(ref)
}
