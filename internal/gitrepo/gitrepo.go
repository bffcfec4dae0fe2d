// Package gitrepo wraps the git plumbing loom needs: branch and worktree
// lifecycle per stage, ancestry checks, and progressive merge-to-trunk
// with conflict detection (§4.D, §4.I). Adapted from a reference
// orchestrator's git wrapper — the retry-on-transient-lock behavior and
// command-running shape are kept; the merge behavior is new; the
// reference's rebase-and-discard-on-conflict strategy is replaced
// because loom's spec requires conflicts to surface as a
// `MergeConflict` stage state handled by a dedicated merge session
// (§7 Domain errors), never silently discarded.
package gitrepo

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/re-cinq/loom/internal/errs"
)

const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// Repo wraps git operations rooted at one working directory (the main
// repo, or a worktree).
type Repo struct {
	Dir string
}

func New(dir string) *Repo { return &Repo{Dir: dir} }

var sleepFunc = time.Sleep

func (r *Repo) run(args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", errs.Wrap(errs.Transient, fmt.Sprintf("git %s", strings.Join(args, " ")), fmt.Errorf("%s", errMsg))
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil
}

// HeadCommit returns the commit hash a ref currently resolves to.
func (r *Repo) HeadCommit(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// BranchExists reports whether a branch or ref is resolvable.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", branch)
	return err == nil
}

// CreateBranch creates branch name starting at from.
func (r *Repo) CreateBranch(name, from string) error {
	_, err := r.run("branch", name, from)
	return err
}

// CreateWorktree adds a worktree at path checked out to branch.
func (r *Repo) CreateWorktree(path, branch string) error {
	_, err := r.run("worktree", "add", path, branch)
	return err
}

// RemoveWorktree removes a worktree, forcing removal of any uncommitted
// state left behind by a crashed agent.
func (r *Repo) RemoveWorktree(path string) error {
	_, err := r.run("worktree", "remove", "--force", path)
	return err
}

// DeleteBranch removes a branch once it has been fully merged and its
// worktree discarded.
func (r *Repo) DeleteBranch(name string) error {
	_, err := r.run("branch", "-d", name)
	return err
}

// ConflictedFiles lists paths currently in a conflicted (unmerged)
// state, for embedding in a merge-conflict session's signal.
func (r *Repo) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// EnsureIdentity sets a local commit identity if none is resolvable, so
// merge and handoff commits never fail with "Author identity unknown".
func (r *Repo) EnsureIdentity() {
	if _, err := r.run("config", "user.name"); err != nil {
		_, _ = r.run("config", "user.name", "loom")
	}
	if _, err := r.run("config", "user.email"); err != nil {
		_, _ = r.run("config", "user.email", "loom@localhost")
	}
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to)
// descendant — the exact check backing the `merged` invariant (§8
// property 2: `is_ancestor(branch_tip(s), trunk_tip)`).
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = r.Dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("checking ancestry %s..%s: %w", ancestor, descendant, err)
}

// CommitsBetween returns commit hashes in (from, to], oldest first being
// irrelevant here — callers only need the count/order for merge commit
// messages.
func (r *Repo) CommitsBetween(from, to string) ([]string, error) {
	rangeSpec := to
	if from != "" {
		rangeSpec = from + ".." + to
	}
	out, err := r.run("rev-list", "--reverse", rangeSpec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FilesChangedInCommit lists paths touched by a single commit; for a
// merge commit, the paths it changed relative to its first parent.
func (r *Repo) FilesChangedInCommit(hash string) ([]string, error) {
	out, err := r.run("log", "-1", "-m", "--first-parent", "--name-only", "--format=", hash)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasChanges reports whether the worktree has uncommitted modifications.
func (r *Repo) HasChanges() (bool, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages every change, including untracked files.
func (r *Repo) StageAll() error {
	_, err := r.run("add", "-A")
	return err
}

// Commit creates a commit. Hooks are skipped: loom commits after the
// agent session has already exited, so nothing is left to fix a hook
// failure interactively.
func (r *Repo) Commit(message string) error {
	_, err := r.run("commit", "--no-verify", "-m", message)
	return err
}

// ConflictError reports a merge that stopped on conflicting files (§7
// Domain error, §8 S4).
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %d file(s): %s", len(e.Files), strings.Join(e.Files, ", "))
}

// MergeIntoCurrent merges branch into the currently checked-out branch
// of r's worktree (ordinarily the main repo on trunk) with a no-ff merge
// commit carrying message. On conflict it aborts the merge and returns a
// *ConflictError naming the conflicted files; the working tree is left
// clean for the caller to spawn a merge session.
func (r *Repo) MergeIntoCurrent(branch, message string) error {
	_, err := r.run("merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}

	files, lsErr := r.run("diff", "--name-only", "--diff-filter=U")
	_, _ = r.run("merge", "--abort")
	if lsErr != nil || files == "" {
		return fmt.Errorf("merging %s: %w", branch, err)
	}
	return &ConflictError{Files: strings.Split(files, "\n")}
}

// Checkout switches the repo's checked-out branch.
func (r *Repo) Checkout(branch string) error {
	_, err := r.run("checkout", branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// FastForwardOrNoop fast-forwards (or no-ops if already up to date) the
// current branch onto branch, for the "single-stage plan with no
// acceptance passes merge on empty diff" boundary case (§8).
func (r *Repo) FastForwardOrNoop(branch string) error {
	_, err := r.run("merge", "--ff-only", branch)
	return err
}
