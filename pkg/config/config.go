package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

// ManifestFileName is the desired-state manifest kept in the project
// directory.
const ManifestFileName = "addonpkg.toml"

// Manifest lists the add-ons a project wants installed, keyed by
// "source:id".
type Manifest struct {
	Project ProjectConfig         `toml:"project"`
	Addons  map[string]AddonEntry `toml:"addons,omitempty"`
}

type ProjectConfig struct {
	Name string `toml:"name"`
}

type AddonEntry struct {
	// Version is a version constraint; empty means latest.
	Version string `toml:"version,omitempty"`
	Pinned  bool   `toml:"pinned,omitempty"`
	// Prerelease admits beta and alpha builds where the source has them.
	Prerelease bool `toml:"prerelease,omitempty"`
}

func UnmarshalManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	err := toml.Unmarshal(data, m)

	return m, err
}

func (m *Manifest) Marshal() ([]byte, error) {
	return toml.Marshal(m)
}

func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

func SaveFile(path string, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Refs returns the manifest's add-ons as references, ordered by key. Entries
// must name their source.
func (m *Manifest) Refs() ([]addon.AddonRef, error) {
	keys := make([]string, 0, len(m.Addons))
	for k := range m.Addons {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	refs := make([]addon.AddonRef, 0, len(keys))
	for _, k := range keys {
		if strings.Contains(k, "@") {
			return nil, fmt.Errorf("manifest entry %q: put the constraint in version", k)
		}
		ref, err := addon.ParseRef(k)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", k, err)
		}
		if ref.Source == addon.SourceAny {
			return nil, fmt.Errorf("manifest entry %q: source is required", k)
		}
		ref.Constraint = m.Addons[k].Version
		ref.Prerelease = m.Addons[k].Prerelease
		refs = append(refs, ref)
	}
	return refs, nil
}

// Pinned returns the keys of entries marked pinned.
func (m *Manifest) Pinned() map[addon.Key]bool {
	out := make(map[addon.Key]bool)
	for k, e := range m.Addons {
		if !e.Pinned {
			continue
		}
		if ref, err := addon.ParseRef(k); err == nil {
			out[ref.Key()] = true
		}
	}
	return out
}

// FromInstalled builds a manifest reproducing the given installation.
func FromInstalled(name string, installed []*addon.InstalledAddon) *Manifest {
	m := &Manifest{
		Project: ProjectConfig{Name: name},
		Addons:  make(map[string]AddonEntry, len(installed)),
	}
	for _, a := range installed {
		e := AddonEntry{Version: a.Constraint, Pinned: a.Pinned, Prerelease: a.Prerelease}
		if e.Pinned && e.Version == "" {
			e.Version = a.Version
		}
		m.Addons[a.Key().String()] = e
	}
	return m
}
