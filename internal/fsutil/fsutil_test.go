package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFileCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "stage.md")

	if err := AtomicWriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("content = %q, want %q", got, "first")
	}

	if err := AtomicWriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile (replace): %v", err)
	}
	got, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content after replace = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s in directory", e.Name())
		}
	}
}

func TestWorkDirPaths(t *testing.T) {
	repo := "/srv/repo"
	if got, want := WorkDir(repo), "/srv/repo/.work"; got != want {
		t.Errorf("WorkDir = %s, want %s", got, want)
	}
	if got, want := WorktreePath(repo, "build-api"), "/srv/repo/.worktrees/build-api"; got != want {
		t.Errorf("WorktreePath = %s, want %s", got, want)
	}
}

func TestSymlinkWorkDirIdempotent(t *testing.T) {
	repo := t.TempDir()
	worktree := filepath.Join(repo, ".worktrees", "stage-a")
	if err := EnsureDir(worktree); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := EnsureDir(WorkDir(repo)); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	if err := SymlinkWorkDir(repo, worktree); err != nil {
		t.Fatalf("SymlinkWorkDir: %v", err)
	}
	if err := SymlinkWorkDir(repo, worktree); err != nil {
		t.Fatalf("SymlinkWorkDir (second call): %v", err)
	}

	link := filepath.Join(worktree, ".work")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("expected .work symlink at %s: %v", link, err)
	}
}
