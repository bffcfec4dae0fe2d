package orchestrator

import (
	"fmt"
	"time"

	"github.com/re-cinq/loom/internal/errs"
	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/mergelock"
	"github.com/re-cinq/loom/internal/metrics"
	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/procctl"
	"github.com/re-cinq/loom/internal/signalgen"
)

// mergeStage implements the merge coordinator (§4.I): triggered once a
// standard stage's StageCompletedDetected event fires and every
// dependency already satisfies merged=true.
func (o *Orchestrator) mergeStage(stage *model.Stage) error {
	if stage.StageType != model.StageStandard {
		// Non-standard stages are merged=true at creation (§9 open
		// question: code-review/integration-verify are no-ops here).
		stage.Status = model.StatusCompleted
		stage.Merged = true
		return o.Store.SaveStage(stage)
	}

	lock, err := mergelock.Acquire(fsutil.WorkDir(o.RepoDir), mergelock.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("acquiring merge lock for %s: %w", stage.ID, err)
	}
	metrics.MergesInFlight.Set(1)
	defer func() {
		metrics.MergesInFlight.Set(0)
		lock.Release()
	}()

	repo := gitrepo.New(o.RepoDir)
	branch := "loom/" + stage.ID

	srcTip, err := repo.HeadCommit(branch)
	if err != nil {
		return fmt.Errorf("reading branch tip for %s: %w", stage.ID, err)
	}

	if err := repo.Checkout(o.TrunkBranch); err != nil {
		return fmt.Errorf("checking out %s: %w", o.TrunkBranch, err)
	}

	mergeErr := repo.MergeIntoCurrent(branch, fmt.Sprintf("merge: %s (%s)", stage.ID, stage.Name))

	if mergeErr == nil {
		return o.finalizeMerge(stage, repo, branch, srcTip)
	}

	if conflict, ok := mergeErr.(*gitrepo.ConflictError); ok {
		metrics.MergeConflictsTotal.Inc()
		stage.Status = model.StatusMergeConflict
		stage.ConflictedFiles = conflict.Files
		if err := o.Store.SaveStage(stage); err != nil {
			return fmt.Errorf("saving merge-conflict stage %s: %w", stage.ID, err)
		}
		o.Log.Warn().Str("stage_id", stage.ID).Strs("files", conflict.Files).Msg("merge conflict")
		return nil
	}

	// Unexpected error (§4.I step 5): block, never retry automatically.
	stage.Status = model.StatusMergeBlocked
	stage.Merged = false
	if saveErr := o.Store.SaveStage(stage); saveErr != nil {
		return fmt.Errorf("saving merge-blocked stage %s: %w", stage.ID, saveErr)
	}
	return fmt.Errorf("merging %s: %w", stage.ID, mergeErr)
}

// finalizeMerge verifies ancestry before ever setting merged=true (§4.I
// invariants, §8 property 2) and removes the now-integrated worktree and
// branch. srcTip is the stage's branch tip captured before the checkout
// and merge ran; is_ancestor(src_tip, trunk_tip) is the actual invariant
// to check, not a commit's (always-true) ancestry of itself.
func (o *Orchestrator) finalizeMerge(stage *model.Stage, repo *gitrepo.Repo, branch, srcTip string) error {
	newTip, err := repo.HeadCommit(o.TrunkBranch)
	if err != nil {
		return fmt.Errorf("reading new trunk tip after merging %s: %w", stage.ID, err)
	}

	isAncestor, err := repo.IsAncestor(srcTip, newTip)
	if err != nil || !isAncestor {
		stage.Status = model.StatusMergeBlocked
		return o.Store.SaveStage(stage)
	}

	stage.Merged = true
	stage.Status = model.StatusCompleted
	stage.MergeCommit = newTip
	stage.ConflictedFiles = nil
	now := time.Now().UTC()
	stage.CompletedAt = &now
	if err := o.Store.SaveStage(stage); err != nil {
		return fmt.Errorf("saving merged stage %s: %w", stage.ID, err)
	}

	worktreePath := fsutil.WorktreePath(o.RepoDir, stage.ID)
	if err := repo.RemoveWorktree(worktreePath); err != nil {
		o.Log.Warn().Err(err).Str("stage_id", stage.ID).Msg("removing worktree after merge failed")
	}
	if err := repo.DeleteBranch(branch); err != nil {
		o.Log.Warn().Err(err).Str("stage_id", stage.ID).Msg("deleting branch after merge failed")
	}

	return nil
}

// recoverMergedStages implements idempotent merge recovery (§8 S7). If
// the daemon faults after `git merge` lands a stage's commit on trunk but
// before finalizeMerge persists merged=true, the stage is stuck
// Completed∧!merged with no running session — no StageCompletedDetected
// event will ever re-fire for it, since that event requires a Running
// session. Every reconcile re-derives mergedness from ancestry instead of
// waiting for an event that can no longer come.
func (o *Orchestrator) recoverMergedStages(g *graph.Graph) {
	repo := gitrepo.New(o.RepoDir)
	for _, stage := range g.Stages() {
		if stage.StageType != model.StageStandard || stage.Status != model.StatusCompleted || stage.Merged {
			continue
		}

		branch := "loom/" + stage.ID
		srcTip, err := repo.HeadCommit(branch)
		if err != nil {
			// Branch already gone: the worktree/branch cleanup in
			// finalizeMerge ran before the crash, so there's nothing left
			// to verify ancestry against. Leave it for an operator.
			continue
		}
		trunkTip, err := repo.HeadCommit(o.TrunkBranch)
		if err != nil {
			continue
		}
		isAncestor, err := repo.IsAncestor(srcTip, trunkTip)
		if err != nil || !isAncestor {
			continue
		}

		stage.Merged = true
		stage.MergeCommit = trunkTip
		stage.ConflictedFiles = nil
		if err := o.Store.SaveStage(stage); err != nil {
			o.Log.Error().Err(err).Str("stage_id", stage.ID).Msg("saving recovered merge failed")
			continue
		}
		o.Log.Info().Str("stage_id", stage.ID).Msg("recovered merged=true from ancestry after restart")

		worktreePath := fsutil.WorktreePath(o.RepoDir, stage.ID)
		if err := repo.RemoveWorktree(worktreePath); err != nil {
			o.Log.Warn().Err(err).Str("stage_id", stage.ID).Msg("removing worktree after recovered merge failed")
		}
		if err := repo.DeleteBranch(branch); err != nil {
			o.Log.Warn().Err(err).Str("stage_id", stage.ID).Msg("deleting branch after recovered merge failed")
		}
	}
}

// spawnMergeConflictSession launches a dedicated merge session targeting
// the main repo rather than a worktree (§4.I step 4).
func (o *Orchestrator) spawnMergeConflictSession(stage *model.Stage) error {
	now := time.Now().UTC()
	sessionID := model.NewSessionID(now)

	body := signalgen.Render(signalgen.Input{
		Session:     &model.Session{ID: sessionID, StageID: stage.ID, Kind: model.KindMerge},
		Stage:       stage,
		SandboxNote: fmt.Sprintf("conflicted files: %v", stage.ConflictedFiles),
		Tasks:       []string{"resolve the conflicted files listed above", "stage the resolution with git add"},
	})
	if err := o.Store.SaveSignal(sessionID, body); err != nil {
		return fmt.Errorf("saving merge-conflict signal: %w", err)
	}

	sess := &model.Session{
		ID:        sessionID,
		StageID:   stage.ID,
		Kind:      model.KindMerge,
		Status:    model.SessionSpawning,
		SpawnedAt: now,
	}
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving merge session: %w", err)
	}

	handle, err := procctl.Launch(procctl.LaunchSpec{
		Command:      o.Agent.Command,
		Args:         o.Agent.Args,
		WorkDir:      o.RepoDir,
		Stdin:        body,
		StageID:      stage.ID,
		SessionID:    sessionID,
		WorktreePath: o.RepoDir,
	})
	if err != nil {
		return errs.Wrap(errs.Transient, "launching merge session", err)
	}

	o.running[sessionID] = handle
	sess.PID = handle.PID
	sess.WrapperPID = handle.PID
	sess.Status = model.SessionRunning
	sess.LastActivity = now
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving running merge session: %w", err)
	}

	stage.SessionID = sessionID
	return o.Store.SaveStage(stage)
}
