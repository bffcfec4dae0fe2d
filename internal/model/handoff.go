package model

import "time"

// HandoffTrigger names the reason a handoff was produced (§3).
type HandoffTrigger string

const (
	TriggerPrecompact   HandoffTrigger = "precompact"
	TriggerSessionEnd   HandoffTrigger = "session_end"
	TriggerRedThreshold HandoffTrigger = "red_threshold"
	TriggerManual       HandoffTrigger = "manual"
)

// HandoffVersion is the fixed frontmatter version (§3: "version=2").
const HandoffVersion = 2

// Handoff is the structured context dump produced when a session must end
// before finishing its stage (§3, §4.J).
type Handoff struct {
	Version       int            `yaml:"version"`
	SessionID     string         `yaml:"session_id"`
	StageID       string         `yaml:"stage_id"`
	Trigger       HandoffTrigger `yaml:"trigger"`
	ContextPercent int           `yaml:"context_percent"`
	Completed     []string       `yaml:"completed,omitempty"`
	Decisions     []string       `yaml:"decisions,omitempty"`
	NextSteps     []string       `yaml:"next_steps,omitempty"`
	FilesModified []string       `yaml:"files_modified,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at"`

	// Body is the free-form prose portion of the document, stored
	// separately from the YAML frontmatter.
	Body string `yaml:"-"`
}

// NewHandoff fills in the fixed version and creation time.
func NewHandoff(sessionID, stageID string, trigger HandoffTrigger, contextPercent int) *Handoff {
	return &Handoff{
		Version:        HandoffVersion,
		SessionID:      sessionID,
		StageID:        stageID,
		Trigger:        trigger,
		ContextPercent: contextPercent,
		CreatedAt:      time.Now().UTC(),
	}
}
