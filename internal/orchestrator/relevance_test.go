package orchestrator

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/model"
)

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func commitFile(t *testing.T, dir, path, contents string) string {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-q", "-m", "update "+path)

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		t.Fatalf("rev-parse: %v", err)
	}
	return string(out[:len(out)-1])
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.name", "test")
	run(t, dir, "config", "user.email", "test@example.com")
	commitFile(t, dir, "README.md", "hello\n")
	return dir
}

func TestFilesRelevantNoPatternsAlwaysRelevant(t *testing.T) {
	dir := newTestRepo(t)
	repo := gitrepo.New(dir)
	stage := &model.Stage{ID: "s", Dependencies: []string{"dep"}}
	deps := map[string]*model.Stage{"dep": {ID: "dep", MergeCommit: "HEAD"}}

	ok := filesRelevant(repo, stage, deps)
	if !ok {
		t.Error("filesRelevant with no Files patterns = false, want true")
	}
}

func TestFilesRelevantMatchesChangedPath(t *testing.T) {
	dir := newTestRepo(t)
	sha := commitFile(t, dir, "api/schema.sql", "create table t();\n")
	repo := gitrepo.New(dir)

	stage := &model.Stage{ID: "s", Dependencies: []string{"dep"}, Files: []string{"api/**"}}
	deps := map[string]*model.Stage{"dep": {ID: "dep", MergeCommit: sha}}

	ok := filesRelevant(repo, stage, deps)
	if !ok {
		t.Error("filesRelevant = false, want true for a matching changed path")
	}
}

func TestFilesRelevantIgnoresUnrelatedChange(t *testing.T) {
	dir := newTestRepo(t)
	sha := commitFile(t, dir, "docs/notes.md", "notes\n")
	repo := gitrepo.New(dir)

	stage := &model.Stage{ID: "s", Dependencies: []string{"dep"}, Files: []string{"api/**"}}
	deps := map[string]*model.Stage{"dep": {ID: "dep", MergeCommit: sha}}

	ok := filesRelevant(repo, stage, deps)
	if ok {
		t.Error("filesRelevant = true, want false when no changed path matches")
	}
}

func TestFilesRelevantSkipsDependenciesWithoutMergeCommit(t *testing.T) {
	dir := newTestRepo(t)
	repo := gitrepo.New(dir)
	stage := &model.Stage{ID: "s", Dependencies: []string{"dep"}, Files: []string{"api/**"}}
	deps := map[string]*model.Stage{"dep": {ID: "dep"}}

	ok := filesRelevant(repo, stage, deps)
	if ok {
		t.Error("filesRelevant = true, want false when no dependency carries a merge commit")
	}
}

func TestFilesRelevantRootStageAlwaysRelevant(t *testing.T) {
	dir := newTestRepo(t)
	repo := gitrepo.New(dir)
	stage := &model.Stage{ID: "s", Files: []string{"api/**"}}

	ok := filesRelevant(repo, stage, nil)
	if !ok {
		t.Error("filesRelevant with no dependencies = false, want true (empty dependency list is always schedulable)")
	}
}
