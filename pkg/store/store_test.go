package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTree creates files (slash separated paths) below root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPathAndRemove(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	if got, want := s.Path("http", "wowi", "1234"), filepath.Join(root, "http", "wowi", "1234"); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
	if got := s.Path(); got != root {
		t.Errorf("Path() = %q, want the root %q", got, root)
	}

	writeTree(t, root, map[string]string{
		"http/wowi/1234":         "{}",
		"http/curseforge/3358":   "{}",
		"downloads/Grid-1.4.zip": "zip",
	})

	s.Remove("http")
	if _, err := os.Stat(filepath.Join(root, "http")); !os.IsNotExist(err) {
		t.Errorf("Remove(http) left the tree behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "downloads", "Grid-1.4.zip")); err != nil {
		t.Errorf("Remove(http) touched a sibling: %v", err)
	}

	// Removing a missing path is a no-op.
	s.Remove("ghost")
}

func TestWriteFileReadFile(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	if err := s.WriteFile([]byte("old"), 0o644, "http", "tukui", "elvui"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := s.WriteFile([]byte("new"), 0o644, "http", "tukui", "elvui"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := s.ReadFile("http", "tukui", "elvui")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "new" {
		t.Errorf("ReadFile() = %q, want new", got)
	}

	entries, err := os.ReadDir(filepath.Join(root, "http", "tukui"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("found %d entries, want 1 (temporary files left behind)", len(entries))
	}

	if _, err := s.ReadFile("http", "missing"); !os.IsNotExist(err) {
		t.Errorf("ReadFile(missing) error = %v, want not exist", err)
	}
}

func TestHashDir(t *testing.T) {
	expected := func(pairs ...string) string {
		h := sha256.New()
		for _, p := range pairs {
			h.Write([]byte(p))
		}
		return hashPrefix + hex.EncodeToString(h.Sum(nil))
	}

	tests := map[string]struct {
		files map[string]string
		want  string
	}{
		"sorted by path": {
			files: map[string]string{
				"Grid.toc": "## Title: Grid",
				"Grid.lua": "-- core",
			},
			want: expected("Grid.lua", "-- core", "Grid.toc", "## Title: Grid"),
		},
		"nested paths are slash separated": {
			files: map[string]string{
				"media/icon.tga": "tga",
				"Grid.toc":       "## Title: Grid",
			},
			want: expected("Grid.toc", "## Title: Grid", "media/icon.tga", "tga"),
		},
		"dot directories are skipped": {
			files: map[string]string{
				"Grid.toc":    "## Title: Grid",
				".git/HEAD":   "ref: refs/heads/main",
				".github/x.y": "ci",
			},
			want: expected("Grid.toc", "## Title: Grid"),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeTree(t, filepath.Join(root, "Grid"), tc.files)

			got, err := New(root).HashDir("Grid")
			if err != nil {
				t.Fatalf("HashDir() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("HashDir() = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := New(t.TempDir()).HashDir("missing"); err == nil {
		t.Error("HashDir(missing) error = nil, want error")
	}
}

func TestHashFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"Grid-1.4.zip": "payload"})
	s := New(root)

	got, err := s.HashFile("Grid-1.4.zip")
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	sum := sha256.Sum256([]byte("payload"))
	if want := hashPrefix + hex.EncodeToString(sum[:]); got != want {
		t.Errorf("HashFile() = %q, want %q", got, want)
	}

	if _, err := s.HashFile("missing.zip"); err == nil {
		t.Error("HashFile(missing) error = nil, want error")
	}
}

func TestModTime(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"http/wowi/1234": "{}"})

	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "http", "wowi", "1234"), stamp, stamp); err != nil {
		t.Fatal(err)
	}

	got, err := New(root).ModTime("http", "wowi", "1234")
	if err != nil {
		t.Fatalf("ModTime() error = %v", err)
	}
	if !got.Equal(stamp) {
		t.Errorf("ModTime() = %v, want %v", got, stamp)
	}
}

func TestTempDir(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	a, err := s.TempDir(StagingDir)
	if err != nil {
		t.Fatalf("TempDir() error = %v", err)
	}
	b, err := s.TempDir(StagingDir)
	if err != nil {
		t.Fatalf("TempDir() error = %v", err)
	}

	if a == b {
		t.Errorf("TempDir() returned %q twice", a)
	}
	for _, dir := range []string{a, b} {
		if filepath.Dir(dir) != s.Path(StagingDir) {
			t.Errorf("TempDir() = %q, want a child of %q", dir, s.Path(StagingDir))
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("TempDir() = %q was not created", dir)
		}
	}
}
