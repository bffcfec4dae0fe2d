package model

import "time"

// Heartbeat is the JSON file an external hook writes on the agent's
// behalf and the monitor polls for liveness/context signal (§3, §4.E).
type Heartbeat struct {
	Ts             time.Time `json:"ts"`
	ContextPercent *int      `json:"context_percent,omitempty"`
	LastTool       *string   `json:"last_tool,omitempty"`
	Activity       *string   `json:"activity,omitempty"`
}
