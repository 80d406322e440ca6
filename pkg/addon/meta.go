package addon

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	tocExt       = ".toc"
	metaFileName = "addon.yaml"
	tocDirective = "##"
)

var (
	// WoW inline colour escapes: |cAARRGGBB ... |r
	colourEscape   = regexp.MustCompile(`\|c[0-9a-fA-F]{8}|\|r`)
	validFolderRex = regexp.MustCompile(`^[A-Za-z0-9_.!\- ]+$`)
)

// Meta is what an extracted add-on folder says about itself: its .toc
// directives plus an optional addon.yaml.
type Meta struct {
	Folder  string `json:"-"`
	Title   string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Notes   string `json:"notes,omitempty"`
	// Dependencies are folder names from the .toc RequiredDeps directive.
	Dependencies []string `json:"-"`
	// Requires are add-on references from addon.yaml.
	Requires []string `json:"dependencies,omitempty"`

	CurseProjectID string `json:"-"`
	WoWIID         string `json:"-"`
	TukuiProjectID string `json:"-"`

	dir string
}

// LoadMeta reads the add-on folder at dir. The .toc named after the folder
// is preferred; otherwise the first flavour-specific .toc in name order is
// used. Values in addon.yaml override the .toc.
func LoadMeta(dir string) (*Meta, error) {
	tocPath, err := findTOC(dir)
	if err != nil {
		return nil, err
	}

	m := &Meta{Folder: filepath.Base(dir), dir: dir}
	if err := m.readTOC(tocPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("parsing %s in %q: %w", metaFileName, dir, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading %s in %q: %w", metaFileName, dir, err)
	}

	return m, nil
}

func findTOC(dir string) (string, error) {
	base := filepath.Base(dir)
	exact := filepath.Join(dir, base+tocExt)
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, base+"*"+tocExt))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s file found in %q", tocExt, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func (m *Meta) readTOC(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		rest, ok := strings.CutPrefix(line, tocDirective)
		if !ok {
			continue
		}
		key, value, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "title":
			m.Title = strings.TrimSpace(colourEscape.ReplaceAllString(value, ""))
		case "version":
			m.Version = value
		case "notes":
			m.Notes = value
		case "dependencies", "requireddeps", "dep", "deps":
			for _, d := range strings.Split(value, ",") {
				if d = strings.TrimSpace(d); d != "" {
					m.Dependencies = append(m.Dependencies, d)
				}
			}
		case "x-curse-project-id":
			m.CurseProjectID = value
		case "x-wowi-id":
			m.WoWIID = value
		case "x-tukui-projectid":
			m.TukuiProjectID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Dir returns where the add-on folder lives on disk.
func (m *Meta) Dir() string {
	return m.dir
}

// DependencyRefs parses the addon.yaml dependency list.
func (m *Meta) DependencyRefs() ([]AddonRef, error) {
	refs := make([]AddonRef, 0, len(m.Requires))
	for _, r := range m.Requires {
		ref, err := ParseRef(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// SourceRefs returns the hosted projects the .toc claims to belong to, in
// a fixed source order.
func (m *Meta) SourceRefs() []AddonRef {
	var refs []AddonRef
	if m.CurseProjectID != "" {
		refs = append(refs, AddonRef{Source: SourceCurseForge, ID: m.CurseProjectID})
	}
	if m.TukuiProjectID != "" {
		refs = append(refs, AddonRef{Source: SourceTukui, ID: m.TukuiProjectID})
	}
	if m.WoWIID != "" {
		refs = append(refs, AddonRef{Source: SourceWoWI, ID: m.WoWIID})
	}
	return refs
}

func (m *Meta) Validate() error {
	var err error
	if !validFolderRex.MatchString(m.Folder) {
		err = errors.Join(err, fmt.Errorf("add-on folder %q contains unsupported characters", m.Folder))
	}
	if m.Title == "" {
		err = errors.Join(err, fmt.Errorf("add-on title must be provided"))
	}
	for _, r := range m.Requires {
		if _, perr := ParseRef(r); perr != nil {
			err = errors.Join(err, fmt.Errorf("dependency %q: %w", r, perr))
		}
	}
	return err
}
