// Package store is the disposable on-disk cache: HTTP responses, downloaded
// archives and per-item staging directories all live under one root.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dirPerm    = 0o755
	hashPrefix = "sha256:"

	// StagingDir holds per-item extraction areas.
	StagingDir = "staging"
)

// Store addresses files below one root directory by path segments.
type Store interface {
	// Path joins segments under the store root. It does not touch the disk.
	Path(segments ...string) string
	// Remove deletes the tree at segments; a missing path is not an error.
	Remove(segments ...string)
	// HashDir hashes the relative paths and contents of every file below
	// segments, in sorted order. Dot directories such as .git are skipped,
	// so a working copy hashes like its exported add-on.
	HashDir(segments ...string) (string, error)
	HashFile(segments ...string) (string, error)
	// WriteFile writes data through a temporary file and a rename, creating
	// parent directories.
	WriteFile(data []byte, perm os.FileMode, segments ...string) error
	ReadFile(segments ...string) ([]byte, error)
	ModTime(segments ...string) (time.Time, error)
	// TempDir creates a fresh, uniquely named directory under segments and
	// returns its absolute path. The caller owns and removes it.
	TempDir(segments ...string) (string, error)
}

func New(root string) Store {
	return &store{root: root}
}

type store struct {
	root string
}

var _ Store = &store{}

func (s *store) Path(segments ...string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *store) Remove(segments ...string) {
	_ = os.RemoveAll(s.Path(segments...))
}

func (s *store) HashDir(segments ...string) (string, error) {
	dir := s.Path(segments...)

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return "", err
		}
		h.Write([]byte(f))
		h.Write(data)
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *store) HashFile(segments ...string) (string, error) {
	f, err := os.Open(s.Path(segments...))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (s *store) WriteFile(data []byte, perm os.FileMode, segments ...string) error {
	path := s.Path(segments...)
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	// Write then rename so concurrent readers never see a torn file.
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *store) ReadFile(segments ...string) ([]byte, error) {
	return os.ReadFile(s.Path(segments...))
}

func (s *store) ModTime(segments ...string) (time.Time, error) {
	info, err := os.Stat(s.Path(segments...))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (s *store) TempDir(segments ...string) (string, error) {
	parent := s.Path(segments...)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return "", err
	}
	dir := filepath.Join(parent, uuid.NewString())
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return "", err
	}
	return dir, nil
}
