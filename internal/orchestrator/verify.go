package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/model"
)

// CommandTimeout bounds any single acceptance/truth/setup command (§9:
// "300-second per-command timeout by default").
const CommandTimeout = 300 * time.Second

// VerificationResult is the goal-backward check outcome persisted to
// verifications/<stage-id>.json (§8 property 4).
type VerificationResult struct {
	StageID   string           `json:"stage_id"`
	Truths    []CommandOutcome `json:"truths"`
	Artifacts []PathOutcome    `json:"artifacts"`
	Wiring    []WiringOutcome  `json:"wiring"`
	Passed    bool             `json:"passed"`
}

type CommandOutcome struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

type PathOutcome struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

type WiringOutcome struct {
	Source  string `json:"source"`
	Pattern string `json:"pattern"`
	Matched bool   `json:"matched"`
}

// verifyGoalBackward runs every truth command, checks every artifact
// path exists, and greps every wiring source for its pattern, all
// relative to worktree_root/working_dir (§9's unambiguous path rule). It
// returns an error describing the first unmet requirement; callers
// still get the full VerificationResult to persist regardless of error.
func (o *Orchestrator) verifyGoalBackward(stage *model.Stage) (*VerificationResult, error) {
	result := &VerificationResult{StageID: stage.ID, Passed: true}

	if stage.GoalBackward == nil {
		return result, nil
	}

	root := filepath.Join(fsutil.WorktreePath(o.RepoDir, stage.ID), stage.WorkingDir)

	var firstErr error
	fail := func(err error) {
		result.Passed = false
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, cmd := range stage.GoalBackward.Truths {
		exitCode, output, err := runShellCommand(root, cmd, stage.ID)
		result.Truths = append(result.Truths, CommandOutcome{Command: cmd, ExitCode: exitCode, Output: output})
		if err != nil {
			fail(fmt.Errorf("truth %q: %w", cmd, err))
		} else if exitCode != 0 {
			fail(fmt.Errorf("truth %q exited %d", cmd, exitCode))
		}
	}

	for _, path := range stage.GoalBackward.Artifacts {
		full := filepath.Join(root, path)
		_, statErr := os.Stat(full)
		exists := statErr == nil
		result.Artifacts = append(result.Artifacts, PathOutcome{Path: path, Exists: exists})
		if !exists {
			fail(fmt.Errorf("artifact %q not found", path))
		}
	}

	for _, w := range stage.GoalBackward.Wiring {
		matched, err := grepPattern(filepath.Join(root, w.Source), w.Pattern)
		result.Wiring = append(result.Wiring, WiringOutcome{Source: w.Source, Pattern: w.Pattern, Matched: matched})
		if err != nil {
			fail(fmt.Errorf("wiring check %s: %w", w.Description, err))
		} else if !matched {
			fail(fmt.Errorf("wiring %q not found in %s (%s)", w.Pattern, w.Source, w.Description))
		}
	}

	return result, firstErr
}

// runShellCommand runs cmd through the platform shell with augmented
// environment (§9: WORKTREE, PROJECT_ROOT, STAGE_ID) and a bounded
// timeout, returning its exit code without treating a non-zero exit as
// a Go error — callers decide what a bad exit code means.
func runShellCommand(dir, cmd, stageID string) (exitCode int, output string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = dir
	c.Env = append(os.Environ(),
		"WORKTREE="+dir,
		"PROJECT_ROOT="+dir,
		"STAGE_ID="+stageID,
	)
	out, runErr := c.CombinedOutput()
	output = string(out)
	if ctx.Err() == context.DeadlineExceeded {
		return -1, output, fmt.Errorf("timed out after %s", CommandTimeout)
	}
	if runErr == nil {
		return 0, output, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), output, nil
	}
	return -1, output, runErr
}

func grepPattern(path, pattern string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return strings.Contains(string(data), pattern), nil
	}
	return re.Match(data), nil
}
