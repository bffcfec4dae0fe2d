package model

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// SessionKind distinguishes the flavor of agent process a session runs
// (§3). Merge sessions run in the main repo rather than a worktree;
// base-conflict sessions resolve a synthetic integration-branch conflict;
// recovery sessions are spawned after a crash.
type SessionKind string

const (
	KindRegular      SessionKind = "regular"
	KindMerge        SessionKind = "merge"
	KindKnowledge    SessionKind = "knowledge"
	KindBaseConflict SessionKind = "base-conflict"
	KindRecovery     SessionKind = "recovery"
)

// SessionStatus is the session state-machine position (§4, session state
// diagram).
type SessionStatus string

const (
	SessionSpawning         SessionStatus = "spawning"
	SessionRunning          SessionStatus = "running"
	SessionCompleted        SessionStatus = "completed"
	SessionCrashed          SessionStatus = "crashed"
	SessionContextExhausted SessionStatus = "context_exhausted"
	SessionPaused           SessionStatus = "paused"
)

// Session is one run of an external agent process executing a stage (§3).
type Session struct {
	ID      string      `yaml:"id"`
	StageID string      `yaml:"stage_id"`
	Kind    SessionKind `yaml:"kind"`

	PID          int    `yaml:"pid"`
	WindowHandle string `yaml:"window_handle,omitempty"`
	WrapperPID   int    `yaml:"wrapper_pid"`

	Status SessionStatus `yaml:"status"`

	ContextPercent int       `yaml:"context_percent"`
	LastTool       string    `yaml:"last_tool,omitempty"`
	LastActivity   time.Time `yaml:"last_activity"`

	SpawnedAt time.Time  `yaml:"spawned_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty"`
}

// NewSessionID mints an id of the form session-<shortuuid>-<epoch>,
// matching §3's Session.id grammar.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%s-%d", shortuuid.New(), now.Unix())
}

// ContextTier classifies a context_percent reading against a stage's
// context_budget (§4.E).
type ContextTier string

const (
	TierGreen  ContextTier = "green"
	TierYellow ContextTier = "yellow"
	TierRed    ContextTier = "red"
)

// ClassifyTier buckets pct against budget: Green <50, Yellow 50..<budget,
// Red >=budget.
func ClassifyTier(pct, budget int) ContextTier {
	switch {
	case pct >= budget:
		return TierRed
	case pct >= 50:
		return TierYellow
	default:
		return TierGreen
	}
}
