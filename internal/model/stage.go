// Package model defines loom's persisted entities: Stage, Session,
// Handoff, and Heartbeat (spec §3), plus the YAML-frontmatter codec shared
// by the text-file entities. Signals have no type here; they are stored
// as rendered text.
package model

import "time"

// StageType distinguishes the four stage flavors (§3, §6.2).
type StageType string

const (
	StageStandard         StageType = "standard"
	StageKnowledge        StageType = "knowledge"
	StageCodeReview       StageType = "code-review"
	StageIntegrationVerify StageType = "integration-verify"
)

// StageStatus is the stage state-machine position (§4.I state diagram).
type StageStatus string

const (
	StatusWaitingForDeps      StageStatus = "waiting_for_deps"
	StatusQueued              StageStatus = "queued"
	StatusExecuting           StageStatus = "executing"
	StatusWaitingForInput     StageStatus = "waiting_for_input"
	StatusNeedsHandoff        StageStatus = "needs_handoff"
	StatusBlocked             StageStatus = "blocked"
	StatusMergeConflict       StageStatus = "merge_conflict"
	StatusCompleted           StageStatus = "completed"
	StatusCompletedWithFailures StageStatus = "completed_with_failures"
	StatusMergeBlocked        StageStatus = "merge_blocked"
	StatusSkipped             StageStatus = "skipped"
)

// Terminal reports whether a status is one of the graph's terminal states.
// Completed is only truly terminal once paired with Merged==true; callers
// that need that stronger check should test Stage.Done() instead.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSkipped:
		return true
	default:
		return false
	}
}

// WiringRule names one source/pattern/description triple used by
// goal-backward verification to assert a piece of code was actually wired
// into the system rather than left orphaned.
type WiringRule struct {
	Source      string `yaml:"source"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// GoalBackward is the (truths, artifacts, wiring) triple required for
// `standard` stages (§3, §8 property 4).
type GoalBackward struct {
	Truths    []string     `yaml:"truths"`
	Artifacts []string     `yaml:"artifacts"`
	Wiring    []WiringRule `yaml:"wiring"`
}

// FailureKind mirrors errs.Kind but is the YAML-serializable projection
// stored on a stage's last_failure.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailureContext    FailureKind = "context"
	FailureDomain     FailureKind = "domain"
	FailureStructural FailureKind = "structural"
	FailureFatal      FailureKind = "fatal"
)

// LastFailure records the most recent failure for a stage (§3).
type LastFailure struct {
	Kind   FailureKind `yaml:"kind"`
	At     time.Time   `yaml:"at"`
	Detail string      `yaml:"detail"`
}

// Stage is one DAG node: a unit of work executed by one agent session at a
// time, in its own worktree and branch (§3).
type Stage struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	WorkingDir  string    `yaml:"working_dir"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	StageType   StageType `yaml:"stage_type"`

	Acceptance   []string      `yaml:"acceptance,omitempty"`
	GoalBackward *GoalBackward `yaml:"goal_backward,omitempty"`

	// Files holds optional glob patterns (plan's `files:` field). When
	// set, the stage is only relevant if a dependency's MergeCommit
	// touches a matching path; otherwise it is skipped.
	Files []string `yaml:"files,omitempty"`

	// ParallelGroup is an optional scheduling hint carried from the plan
	// and persisted with the stage; the scheduler does not read it and it
	// is not part of StageInfo.
	ParallelGroup string `yaml:"parallel_group,omitempty"`

	Status StageStatus `yaml:"status"`
	Merged bool        `yaml:"merged"`

	RetryCount  int          `yaml:"retry_count"`
	LastFailure *LastFailure `yaml:"last_failure,omitempty"`

	// ContextBudget is the Red-tier threshold (percent), 1..=75, default 65.
	ContextBudget int `yaml:"context_budget"`

	// SessionID references the currently (or most recently) active
	// session for this stage. Prior sessions remain as historical files.
	SessionID string `yaml:"session_id,omitempty"`

	// Depth is the stage's longest-path depth in the DAG, recomputed on
	// every reconcile. It determines the `NN` filename prefix and the
	// (depth, id) launch ordering (§4.H step 4).
	Depth int `yaml:"depth"`

	CreatedAt         time.Time  `yaml:"created_at"`
	StartedAt         *time.Time `yaml:"started_at,omitempty"`
	CompletedAt       *time.Time `yaml:"completed_at,omitempty"`
	AccumulatedExecMs int64      `yaml:"accumulated_exec_ms"`

	// MergeCommit is the trunk commit produced by merging this stage's
	// branch in (set once Merged becomes true). Downstream stages with a
	// Files filter diff against the set of dependency MergeCommits to
	// decide whether they were actually touched by anything relevant.
	MergeCommit string `yaml:"merge_commit,omitempty"`

	// ConflictedFiles is captured from the merge attempt's ConflictError
	// at the moment StatusMergeConflict is set; git's working tree is
	// already clean again by the time a merge session is spawned, so the
	// list has to be persisted here rather than re-queried later.
	ConflictedFiles []string `yaml:"conflicted_files,omitempty"`
}

// Done reports whether the stage has reached the invariant that makes it
// a satisfied dependency for others: Completed AND merged (§3 Invariant,
// §8 property 1).
func (s *Stage) Done() bool {
	return s.Status == StatusCompleted && s.Merged
}

// Schedulable reports whether s is currently allowed to run given the
// status/merged state of its dependencies. Callers pass a lookup of
// already-loaded dependency stages.
func (s *Stage) Schedulable(deps map[string]*Stage) bool {
	for _, depID := range s.Dependencies {
		dep, ok := deps[depID]
		if !ok || !dep.Done() {
			return false
		}
	}
	return true
}

// DefaultContextBudget is applied when the plan omits context_budget.
const DefaultContextBudget = 65
