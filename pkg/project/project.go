package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/addonpkg/addonpkg/pkg/config"
)

const ManifestFile = config.ManifestFileName

// IgnoredFiles are files addonpkg writes into a project that should not be
// committed.
var IgnoredFiles = []string{
	config.LocalConfigFile,
}

// InferName derives a project name from the given directory path.
func InferName(dir string) string {
	return filepath.Base(dir)
}

// Init creates an addonpkg.toml manifest in dir with the given project name.
// Returns an error if the manifest already exists.
func Init(dir, name string) error {
	path := filepath.Join(dir, ManifestFile)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", ManifestFile)
	}

	m := &config.Manifest{
		Project: config.ProjectConfig{Name: name},
		Addons:  map[string]config.AddonEntry{},
	}
	if err := config.SaveFile(path, m); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// LoadManifest reads the manifest in dir.
func LoadManifest(dir string) (*config.Manifest, error) {
	return config.LoadFile(filepath.Join(dir, ManifestFile))
}

// EnsureGitignore appends the entries .gitignore in dir lacks, creating the
// file when needed, and returns the ones it added.
func EnsureGitignore(dir string, entries []string) ([]string, error) {
	path := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var added []string
	for _, entry := range entries {
		if !slices.Contains(added, entry) && !hasLine(existing, entry) {
			added = append(added, entry)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}

	var buf strings.Builder
	buf.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		buf.WriteByte('\n')
	}
	for _, entry := range added {
		buf.WriteString(entry + "\n")
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	return added, nil
}

func hasLine(content []byte, line string) bool {
	for l := range strings.Lines(string(content)) {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
