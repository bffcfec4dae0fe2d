// Package monitor implements the polled health observer (§4.E): once per
// tick it inspects every Running session's PID and heartbeat file and
// emits events for the orchestrator to dispatch. It never mutates state
// itself — state transitions are the orchestrator's job (§7
// "Propagation").
package monitor

import (
	"time"

	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/procctl"
	"github.com/re-cinq/loom/internal/store"
)

// THang is the heartbeat staleness threshold past which a session is
// considered hung.
const THang = 300 * time.Second

// EventKind names the monitor's event vocabulary.
type EventKind string

const (
	EventPidDead               EventKind = "pid_dead"
	EventHung                  EventKind = "hung"
	EventContextTier           EventKind = "context_tier"
	EventBudgetExceeded        EventKind = "budget_exceeded"
	EventStageCompletedDetected EventKind = "stage_completed_detected"
)

// Event is one observation about a session or stage.
type Event struct {
	Kind      EventKind
	SessionID string
	StageID   string
	Tier      model.ContextTier
	Percent   int
}

// Monitor tracks per-session tier state across ticks so it can emit
// ContextTier only on a change, not on every poll.
type Monitor struct {
	store    *store.Store
	lastTier map[string]model.ContextTier
}

func New(st *store.Store) *Monitor {
	return &Monitor{store: st, lastTier: make(map[string]model.ContextTier)}
}

// Poll inspects every running session and returns the events observed
// this tick, each session's events in emission order (§4.E: "ordering
// across sessions is arbitrary but each session's events are totally
// ordered").
func (m *Monitor) Poll(sessions []*model.Session, stages map[string]*model.Stage, now time.Time) []Event {
	var events []Event

	for _, sess := range sessions {
		if sess.Status != model.SessionRunning {
			continue
		}

		stage := stages[sess.StageID]

		if !procctl.IsAlive(sess.PID) {
			events = append(events, Event{Kind: EventPidDead, SessionID: sess.ID, StageID: sess.StageID})
			delete(m.lastTier, sess.ID)
			continue
		}

		hb, err := m.store.ReadHeartbeat(sess.StageID)
		if err == nil && hb != nil {
			if now.Sub(hb.Ts) > THang && now.Sub(sess.SpawnedAt) > THang {
				events = append(events, Event{Kind: EventHung, SessionID: sess.ID, StageID: sess.StageID})
			}
			if hb.ContextPercent != nil {
				events = append(events, m.classify(sess, stage, *hb.ContextPercent)...)
			}
		} else {
			// Absent heartbeat is not itself a hang signal while the PID
			// is alive and within T_hang of spawn (§8 boundary case).
			if now.Sub(sess.SpawnedAt) > THang {
				events = append(events, Event{Kind: EventHung, SessionID: sess.ID, StageID: sess.StageID})
			}
		}

		if stage != nil && stage.Status == model.StatusCompleted && sess.Status == model.SessionRunning {
			events = append(events, Event{Kind: EventStageCompletedDetected, StageID: stage.ID, SessionID: sess.ID})
		}
	}

	return events
}

func (m *Monitor) classify(sess *model.Session, stage *model.Stage, pct int) []Event {
	budget := model.DefaultContextBudget
	if stage != nil {
		budget = stage.ContextBudget
	}
	tier := model.ClassifyTier(pct, budget)

	var events []Event
	if m.lastTier[sess.ID] != tier {
		events = append(events, Event{Kind: EventContextTier, SessionID: sess.ID, StageID: sess.StageID, Tier: tier, Percent: pct})
		m.lastTier[sess.ID] = tier
	}
	if tier == model.TierRed {
		events = append(events, Event{Kind: EventBudgetExceeded, SessionID: sess.ID, StageID: sess.StageID, Percent: pct})
	}
	return events
}
