package orchestrator

import (
	"fmt"
	"time"

	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/metrics"
	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/monitor"
	"github.com/re-cinq/loom/internal/retry"
)

// requeueBackedOffStages moves Blocked stages with retries remaining
// back to WaitingForDeps once their backoff delay has elapsed (§7 retry
// policy, §8 S2: "after 30s the stage becomes Queued"). Stages that have
// exhausted MaxRetries, or whose last failure was not Transient, are
// left for operator intervention.
func (o *Orchestrator) requeueBackedOffStages(g *graph.Graph) {
	now := time.Now().UTC()
	for _, stage := range g.Stages() {
		if stage.Status != model.StatusBlocked || stage.LastFailure == nil {
			continue
		}
		if stage.LastFailure.Kind != model.FailureTransient {
			continue
		}
		if retry.Exhausted(stage.RetryCount) {
			continue
		}
		delay := retry.Delay(stage.RetryCount - 1)
		if now.Sub(stage.LastFailure.At) < delay {
			continue
		}
		stage.Status = model.StatusWaitingForDeps
		if err := o.Store.SaveStage(stage); err != nil {
			o.Log.Error().Err(err).Str("stage_id", stage.ID).Msg("requeuing backed-off stage failed")
		}
	}
}

// pollAndDispatch is step 5: drain monitor events and translate each
// into a state transition, the orchestrator being the sole component
// permitted to do so (§7 "Propagation").
func (o *Orchestrator) pollAndDispatch(g *graph.Graph, stagesByID map[string]*model.Stage, sessionsByStage map[string][]*model.Session) error {
	var sessions []*model.Session
	for _, list := range sessionsByStage {
		sessions = append(sessions, list...)
	}

	events := o.Monitor.Poll(sessions, stagesByID, time.Now().UTC())

	var firstErr error
	for _, ev := range events {
		if err := o.dispatch(ev, stagesByID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) dispatch(ev monitor.Event, stagesByID map[string]*model.Stage) error {
	stage := stagesByID[ev.StageID]
	if stage == nil {
		return nil
	}

	sess, err := o.Store.LoadSession(ev.SessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", ev.SessionID, err)
	}

	switch ev.Kind {
	case monitor.EventPidDead:
		return o.handlePidDead(stage, sess)
	case monitor.EventHung:
		return o.generateHandoff(stage, sess, model.TriggerSessionEnd, sess.ContextPercent)
	case monitor.EventBudgetExceeded:
		return o.generateHandoff(stage, sess, model.TriggerRedThreshold, ev.Percent)
	case monitor.EventContextTier:
		sess.ContextPercent = ev.Percent
		return o.Store.SaveSession(sess)
	case monitor.EventStageCompletedDetected:
		return o.handleStageCompleted(stage, sess)
	}
	return nil
}

// handlePidDead implements the Transient retry policy (§7): the stage
// blocks with a backoff timer; after MaxRetries it stays Blocked.
func (o *Orchestrator) handlePidDead(stage *model.Stage, sess *model.Session) error {
	now := time.Now().UTC()
	sess.Status = model.SessionCrashed
	sess.EndedAt = &now
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving crashed session %s: %w", sess.ID, err)
	}

	stage.RetryCount++
	stage.LastFailure = &model.LastFailure{
		Kind:   model.FailureTransient,
		At:     now,
		Detail: fmt.Sprintf("session %s: process exited without completing", sess.ID),
	}

	if retry.Exhausted(stage.RetryCount) {
		stage.Status = model.StatusBlocked
		return o.Store.SaveStage(stage)
	}

	metrics.RetriesTotal.Inc()

	// requeueBackedOffStages moves this back to WaitingForDeps once
	// LastFailure.At + retry.Delay(retry_count-1) has elapsed.
	stage.Status = model.StatusBlocked
	if err := o.Store.SaveStage(stage); err != nil {
		return err
	}
	delay := retry.Delay(stage.RetryCount - 1)
	o.Log.Info().Str("stage_id", stage.ID).Dur("backoff", delay).Int("retry_count", stage.RetryCount).Msg("session crashed, scheduling retry")
	return nil
}

// handleStageCompleted fires the merge coordinator once an external
// actor has marked the stage Completed, but only once every dependency
// satisfies merged=true (§4.I precondition) and, for standard stages,
// only once goal-backward verification passes (§3, §8 property 4).
func (o *Orchestrator) handleStageCompleted(stage *model.Stage, sess *model.Session) error {
	now := time.Now().UTC()
	sess.Status = model.SessionCompleted
	sess.EndedAt = &now
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving completed session %s: %w", sess.ID, err)
	}

	allStages, err := o.Store.LoadStages()
	if err != nil {
		return fmt.Errorf("loading stages for dependency check: %w", err)
	}
	byID := make(map[string]*model.Stage, len(allStages))
	for _, s := range allStages {
		byID[s.ID] = s
	}
	for _, depID := range stage.Dependencies {
		dep, ok := byID[depID]
		if !ok || !dep.Done() {
			// Dependency hasn't merged yet; leave the stage Completed
			// and unmerged. Its session is now Completed, so no later
			// tick fires the merge for it again.
			return o.Store.SaveStage(stage)
		}
	}

	if stage.StageType == model.StageStandard {
		result, verr := o.verifyGoalBackward(stage)
		if saveErr := o.Store.SaveVerification(stage.ID, result); saveErr != nil {
			o.Log.Warn().Err(saveErr).Str("stage_id", stage.ID).Msg("saving verification result failed")
		}
		if verr != nil {
			stage.Status = model.StatusBlocked
			stage.LastFailure = &model.LastFailure{Kind: model.FailureDomain, At: now, Detail: verr.Error()}
			return o.Store.SaveStage(stage)
		}
	}

	return o.mergeStage(stage)
}
