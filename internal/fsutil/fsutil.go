// Package fsutil provides the small filesystem primitives every persisted
// loom package builds on: directory creation, the write-then-rename
// durability contract (§3 "Durability contract"), and state-directory path
// helpers.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// EnsureDir creates a directory and all parents with 0755 permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// WorkDir returns the `.work` state directory rooted at repoDir (§6.1).
func WorkDir(repoDir string) string {
	return filepath.Join(repoDir, ".work")
}

// WorkSubdir returns a subdirectory of the state directory, creating
// nothing — callers EnsureDir it themselves when about to write.
func WorkSubdir(repoDir, subdir string) string {
	return filepath.Join(WorkDir(repoDir), subdir)
}

// WorktreesDir returns the directory holding per-stage worktrees, per §6.1
// ("Worktrees live at <repo>/.worktrees/<stage-id>/").
func WorktreesDir(repoDir string) string {
	return filepath.Join(repoDir, ".worktrees")
}

// WorktreePath returns the worktree path for a single stage.
func WorktreePath(repoDir, stageID string) string {
	return filepath.Join(WorktreesDir(repoDir), stageID)
}

// SymlinkWorkDir creates the `.work -> ../../.work` symlink inside a
// freshly created worktree (§6.1), so a session running inside the
// worktree can read signals/handoffs/heartbeat paths with the same
// relative layout as the main repo. It is a no-op if the link already
// exists.
func SymlinkWorkDir(repoDir, worktreePath string) error {
	link := filepath.Join(worktreePath, ".work")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	rel, err := filepath.Rel(worktreePath, WorkDir(repoDir))
	if err != nil {
		return fmt.Errorf("computing relative .work path: %w", err)
	}
	if err := os.Symlink(rel, link); err != nil {
		return fmt.Errorf("symlinking .work into %s: %w", worktreePath, err)
	}
	return nil
}

// AtomicWriteFile implements the durability contract (§3): write to a
// unique temp file in the target's directory, hold an exclusive advisory
// lock on the target path while replacing it, then rename into place.
// Rename within the same directory is atomic on POSIX filesystems, so
// readers never observe a partially-written file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("ensuring parent dir for %s: %w", path, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	// Best-effort cleanup if something below fails before the rename.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}

	return nil
}
