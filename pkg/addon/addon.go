// Package addon defines the domain types shared by every layer of addonpkg:
// sources, references, releases and installed records.
package addon

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies an add-on hosting service. Adapters are dispatched by
// this tag only.
type Source string

const (
	SourceCurseForge Source = "curseforge"
	SourceWoWI       Source = "wowi"
	SourceTukui      Source = "tukui"
	SourceGitHub     Source = "github"
	SourceLocal      Source = "local"

	// SourceAny asks the resolver to look the identifier up in the catalogue.
	SourceAny Source = "any"
)

var sourceAliases = map[string]Source{
	"curseforge":   SourceCurseForge,
	"curse":        SourceCurseForge,
	"cf":           SourceCurseForge,
	"wowi":         SourceWoWI,
	"wowinterface": SourceWoWI,
	"tukui":        SourceTukui,
	"github":       SourceGitHub,
	"gh":           SourceGitHub,
	"local":        SourceLocal,
	"file":         SourceLocal,
	"any":          SourceAny,
	"*":            SourceAny,
}

// ParseSource maps a user-supplied source name or alias to a Source.
func ParseSource(s string) (Source, error) {
	src, ok := sourceAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
	return src, nil
}

// Sources returns every concrete source, sorted.
func Sources() []Source {
	return []Source{SourceCurseForge, SourceGitHub, SourceLocal, SourceTukui, SourceWoWI}
}

func (s Source) String() string { return string(s) }

// Key is the primary key of an add-on: unique across the install state.
type Key struct {
	Source Source
	ID     string
}

func (k Key) String() string { return string(k.Source) + ":" + k.ID }

// AddonRef is a user request for an add-on, optionally constrained to a
// subset of versions. It is comparable and safe to use as a map key.
type AddonRef struct {
	Source     Source
	ID         string
	Constraint string
	// Prerelease lets the source offer beta and alpha builds alongside
	// stable ones. Sources without release channels ignore it.
	Prerelease bool
}

func (r AddonRef) Key() Key { return Key{Source: r.Source, ID: r.ID} }

func (r AddonRef) String() string {
	s := string(r.Source) + ":" + r.ID
	if r.Constraint != "" {
		s += "@" + r.Constraint
	}
	return s
}

// Release is a concrete, installable version of an add-on as reported by a
// source. Releases are not modified after an adapter returns them.
type Release struct {
	Source Source
	ID     string
	// Slug is the human-facing identifier when the source keys add-ons by
	// number.
	Slug    string
	Name    string
	Version string
	// Token identifies the exact artefact; equal tokens mean equal content.
	Token       string
	DownloadURL string
	// Checksum is "<algo>:<hex>" with algo one of sha1, md5, sha256. Empty
	// when the source publishes none.
	Checksum     string
	Dependencies []AddonRef
	Published    time.Time
}

func (r *Release) Key() Key { return Key{Source: r.Source, ID: r.ID} }

// InstalledAddon is the persisted record of an add-on on disk.
type InstalledAddon struct {
	Source      Source
	ID          string
	Slug        string
	Name        string
	Version     string
	Token       string
	Constraint  string
	Prerelease  bool
	DownloadURL string
	Checksum    string
	InstalledAt time.Time
	// Files is the manifest of top-level folders and files owned by the
	// add-on, relative to the add-on directory, slash separated and sorted.
	Files        []string
	Dependencies []Key
	Enabled      bool
	Pinned       bool
}

func (a *InstalledAddon) Key() Key { return Key{Source: a.Source, ID: a.ID} }

// Matches reports whether ref names this add-on by identifier or slug.
func (a *InstalledAddon) Matches(ref AddonRef) bool {
	if ref.Source != SourceAny && ref.Source != a.Source {
		return false
	}
	return ref.ID == a.ID || (a.Slug != "" && strings.EqualFold(ref.ID, a.Slug))
}

// Ref returns the reference that reproduces this installation.
func (a *InstalledAddon) Ref() AddonRef {
	return AddonRef{Source: a.Source, ID: a.ID, Constraint: a.Constraint, Prerelease: a.Prerelease}
}

// CatalogueEntry is one row of the local search index.
type CatalogueEntry struct {
	Name     string
	Slug     string
	Source   Source
	ID       string
	LastSeen time.Time
}

func (e CatalogueEntry) Ref() AddonRef { return AddonRef{Source: e.Source, ID: e.ID} }
