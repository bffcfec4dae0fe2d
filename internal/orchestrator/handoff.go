package orchestrator

import (
	"fmt"
	"time"

	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/metrics"
	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/procctl"
)

// generateHandoff implements §4.J: invoked on BudgetExceeded or Hung
// (with grace already applied by the monitor's T_hang check). It writes
// a HandoffV2 document, advances the stage to NeedsHandoff, signals the
// session to stop if still alive, and marks the session ContextExhausted.
func (o *Orchestrator) generateHandoff(stage *model.Stage, sess *model.Session, trigger model.HandoffTrigger, contextPercent int) error {
	seq, err := o.Store.NextHandoffSeq(stage.ID)
	if err != nil {
		return fmt.Errorf("computing handoff sequence for %s: %w", stage.ID, err)
	}

	h := model.NewHandoff(sess.ID, stage.ID, trigger, contextPercent)

	worktreePath := fsutil.WorktreePath(o.RepoDir, stage.ID)
	repo := gitrepo.New(worktreePath)
	if files, err := repo.FilesChangedInCommit("HEAD"); err == nil {
		h.FilesModified = files
	}
	h.Body = fmt.Sprintf(
		"Session %s stopped at %d%% context usage (budget %d%%), trigger=%s.\n\nStage: %s (%s)\n",
		sess.ID, contextPercent, stage.ContextBudget, trigger, stage.ID, stage.Name,
	)

	name, err := o.Store.SaveHandoff(h, seq)
	if err != nil {
		return fmt.Errorf("saving handoff for %s: %w", stage.ID, err)
	}
	metrics.HandoffsTotal.WithLabelValues(string(trigger)).Inc()

	if procctl.IsAlive(sess.PID) {
		_ = procctl.Kill(sess.PID, false)
	}

	now := time.Now().UTC()
	sess.Status = model.SessionContextExhausted
	sess.EndedAt = &now
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving context-exhausted session %s: %w", sess.ID, err)
	}

	stage.Status = model.StatusNeedsHandoff
	if err := o.Store.SaveStage(stage); err != nil {
		return fmt.Errorf("saving needs-handoff stage %s: %w", stage.ID, err)
	}

	o.Log.Info().Str("stage_id", stage.ID).Str("handoff", name).Msg("handoff generated")

	// Re-queue: the next launch's signal embeds this handoff's filename
	// under "prior handoff" via stage.LastFailure carrying Context kind.
	stage.Status = model.StatusWaitingForDeps
	stage.LastFailure = &model.LastFailure{Kind: model.FailureContext, At: now, Detail: name}
	return o.Store.SaveStage(stage)
}
