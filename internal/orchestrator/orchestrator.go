// Package orchestrator implements the daemon's single-threaded tick loop
// (§4.H), the merge coordinator (§4.I), the handoff generator (§4.J),
// and goal-backward verification (§3, §8 property 4). It is the sole
// translator from a component's typed failure into a stage state
// transition (§7 "Propagation") — no other package turns a failure into
// a Stage.Status.
//
// Grounded in the self-retiring RunnerLoop and level-at-a-time
// RunOnceWithLogs of a reference coding-agent engine: the 5-second
// cadence here replaces that engine's grace-period trigger polling, and
// promote/start-ready/poll-monitor replace its topological-level
// goroutine fan-out, because loom needs partial progress visible between
// ticks rather than one all-or-nothing pass.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/re-cinq/loom/internal/errs"
	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/mergelock"
	"github.com/re-cinq/loom/internal/metrics"
	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/monitor"
	"github.com/re-cinq/loom/internal/procctl"
	"github.com/re-cinq/loom/internal/retry"
	"github.com/re-cinq/loom/internal/signalgen"
	"github.com/re-cinq/loom/internal/store"
	"github.com/rs/zerolog"
)

// TickInterval is the scheduler loop cadence (§4.H).
const TickInterval = 5 * time.Second

// AgentSpec names the external command used to launch a regular session.
type AgentSpec struct {
	Command string
	Args    []string
}

// Orchestrator holds the daemon's live, in-memory-only state: running
// process handles and the monitor's tier history. Everything else —
// stage/session/signal/handoff data — lives in the state directory and
// is reloaded every tick, per §9 ("the state directory is the global
// state").
type Orchestrator struct {
	RepoDir     string
	TrunkBranch string
	MaxParallel int
	Agent       AgentSpec

	Store   *store.Store
	Monitor *monitor.Monitor
	Log     zerolog.Logger

	running map[string]*procctl.Handle // session id -> process handle
	done    bool
}

// New builds an Orchestrator. Callers must call it once per daemon
// lifetime; the running-handle map does not survive a restart, which is
// why §8 S7 requires reconcile to re-derive merged-ness from git
// ancestry rather than trusting in-memory state.
func New(repoDir, trunkBranch string, maxParallel int, agent AgentSpec, log zerolog.Logger) *Orchestrator {
	st := store.New(repoDir)
	return &Orchestrator{
		RepoDir:     repoDir,
		TrunkBranch: trunkBranch,
		MaxParallel: maxParallel,
		Agent:       agent,
		Store:       st,
		Monitor:     monitor.New(st),
		Log:         log,
		running:     make(map[string]*procctl.Handle),
	}
}

// Done reports whether the completion check has fired this daemon
// lifetime. The daemon keeps serving IPC after this but the tick loop
// stops doing scheduling work.
func (o *Orchestrator) Done() bool { return o.done }

// Tick runs one iteration of the six-step loop described in §4.H.
func (o *Orchestrator) Tick() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TickDuration)
		metrics.TicksTotal.Inc()
	}()

	g, stagesByID, sessionsByStage, err := o.reconcile()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	o.recoverMergedStages(g)
	o.recordStageMetrics(g)

	if o.done {
		return nil
	}

	o.requeueBackedOffStages(g)
	o.promote(g)

	if err := o.spawnMergeSessions(g); err != nil {
		o.Log.Error().Err(err).Msg("merge session spawn failed")
	}

	if err := o.startReady(g, sessionsByStage); err != nil {
		o.Log.Error().Err(err).Msg("starting ready stages failed")
	}

	if err := o.pollAndDispatch(g, stagesByID, sessionsByStage); err != nil {
		o.Log.Error().Err(err).Msg("monitor dispatch failed")
	}

	if g.AllDone() {
		if err := o.Store.MarkComplete(); err != nil {
			o.Log.Error().Err(err).Msg("writing completion marker failed")
		} else {
			o.Log.Info().Msg("all stages completed and merged; plan done")
		}
		o.done = true
	}

	return nil
}

// reconcile is step 1: rebuild the graph from disk state.
func (o *Orchestrator) reconcile() (*graph.Graph, map[string]*model.Stage, map[string][]*model.Session, error) {
	stages, err := o.Store.LoadStages()
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.Structural, "loading stages", err)
	}

	g, err := graph.Build(stages)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.Structural, "building graph", err)
	}

	byID := make(map[string]*model.Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}

	bySessionStage := make(map[string][]*model.Session)
	for _, s := range stages {
		if s.SessionID == "" {
			continue
		}
		sess, err := o.Store.LoadSession(s.SessionID)
		if err != nil {
			continue
		}
		bySessionStage[s.ID] = append(bySessionStage[s.ID], sess)
	}

	return g, byID, bySessionStage, nil
}

// promote is step 2. A stage whose Files patterns don't overlap any
// dependency's merge diff is skipped (and its own downstream cascades)
// instead of queued, per model.Stage.Files.
func (o *Orchestrator) promote(g *graph.Graph) {
	repo := gitrepo.New(o.RepoDir)
	for _, stage := range g.ReadyStages() {
		deps := make(map[string]*model.Stage, len(stage.Dependencies))
		for _, depID := range stage.Dependencies {
			if dep, ok := g.Stage(depID); ok {
				deps[depID] = dep
			}
		}

		if !filesRelevant(repo, stage, deps) {
			stage.Status = model.StatusSkipped
			o.Log.Info().Str("stage_id", stage.ID).Strs("files", stage.Files).Msg("skipping stage, no dependency change matched files filter")
			if err := o.Store.SaveStage(stage); err != nil {
				o.Log.Error().Err(err).Str("stage_id", stage.ID).Msg("saving skipped stage failed")
			}
			for _, skippedID := range g.CascadeSkip(stage.ID) {
				if skipped, ok := g.Stage(skippedID); ok {
					if err := o.Store.SaveStage(skipped); err != nil {
						o.Log.Error().Err(err).Str("stage_id", skippedID).Msg("saving cascaded skip failed")
					}
				}
			}
			continue
		}

		stage.Status = model.StatusQueued
		if err := o.Store.SaveStage(stage); err != nil {
			o.Log.Error().Err(err).Str("stage_id", stage.ID).Msg("saving promoted stage failed")
		}
	}
}

// spawnMergeSessions is step 3.
func (o *Orchestrator) spawnMergeSessions(g *graph.Graph) error {
	for _, stage := range g.Stages() {
		if stage.Status != model.StatusMergeConflict {
			continue
		}
		if o.hasLiveSession(stage) {
			continue
		}
		if err := o.spawnMergeConflictSession(stage); err != nil {
			return fmt.Errorf("spawning merge session for %s: %w", stage.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) hasLiveSession(stage *model.Stage) bool {
	if stage.SessionID == "" {
		return false
	}
	sess, err := o.Store.LoadSession(stage.SessionID)
	if err != nil {
		return false
	}
	return sess.Status == model.SessionRunning || sess.Status == model.SessionSpawning
}

// startReady is step 4: launch up to MaxParallel concurrently running
// sessions, picking Queued stages in ascending (depth, id).
func (o *Orchestrator) startReady(g *graph.Graph, sessionsByStage map[string][]*model.Session) error {
	active := o.countActive()
	if active >= o.MaxParallel {
		return nil
	}

	queued := queuedStagesByDepthID(g)
	for _, stage := range queued {
		if active >= o.MaxParallel {
			break
		}
		if err := o.launchStage(stage); err != nil {
			o.Log.Error().Err(err).Str("stage_id", stage.ID).Msg("launch failed")
			continue
		}
		active++
	}
	return nil
}

func (o *Orchestrator) countActive() int {
	n := 0
	for _, h := range o.running {
		if !h.Done() {
			n++
		}
	}
	return n
}

func queuedStagesByDepthID(g *graph.Graph) []*model.Stage {
	var out []*model.Stage
	for _, s := range g.Stages() {
		if s.Status == model.StatusQueued {
			out = append(out, s)
		}
	}
	sortByDepthID(out)
	return out
}

func sortByDepthID(stages []*model.Stage) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0; j-- {
			a, b := stages[j-1], stages[j]
			if a.Depth > b.Depth || (a.Depth == b.Depth && a.ID > b.ID) {
				stages[j-1], stages[j] = stages[j], stages[j-1]
			} else {
				break
			}
		}
	}
}

// launchStage ensures the worktree and branch exist, generates a
// signal, launches the agent process, and transitions the stage to
// Executing.
func (o *Orchestrator) launchStage(stage *model.Stage) error {
	repo := gitrepo.New(o.RepoDir)
	branch := "loom/" + stage.ID
	worktreePath := fsutil.WorktreePath(o.RepoDir, stage.ID)

	if !repo.BranchExists(branch) {
		if err := repo.CreateBranch(branch, o.TrunkBranch); err != nil {
			return fmt.Errorf("creating branch %s: %w", branch, err)
		}
	}
	if !dirExists(worktreePath) {
		if err := repo.CreateWorktree(worktreePath, branch); err != nil {
			return fmt.Errorf("creating worktree for %s: %w", stage.ID, err)
		}
		if err := fsutil.SymlinkWorkDir(o.RepoDir, worktreePath); err != nil {
			return fmt.Errorf("linking .work into worktree for %s: %w", stage.ID, err)
		}
		// Keep the .work link out of the agent's commits: a committed link
		// collides with the main repo's .work directory when the branch merges.
		exclude := filepath.Join(o.RepoDir, ".git", "info", "exclude")
		if data, _ := os.ReadFile(exclude); !strings.Contains("\n"+string(data), "\n.work\n") {
			f, err := os.OpenFile(exclude, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				_, err = f.WriteString("\n.work\n")
				f.Close()
			}
			if err != nil {
				o.Log.Warn().Err(err).Str("stage_id", stage.ID).Msg("adding .work to git exclude failed")
			}
		}
	}

	now := time.Now().UTC()
	sessionID := model.NewSessionID(now)
	kind := model.KindRegular
	if stage.LastFailure != nil && stage.LastFailure.Kind == model.FailureContext {
		kind = model.KindRecovery
	}

	body := signalgen.Render(o.buildSignalInput(stage, sessionID, kind))
	if err := o.Store.SaveSignal(sessionID, body); err != nil {
		return fmt.Errorf("saving signal for %s: %w", sessionID, err)
	}

	sess := &model.Session{
		ID:        sessionID,
		StageID:   stage.ID,
		Kind:      kind,
		Status:    model.SessionSpawning,
		SpawnedAt: now,
	}
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving session %s: %w", sessionID, err)
	}

	handle, err := procctl.Launch(procctl.LaunchSpec{
		Command:      o.Agent.Command,
		Args:         o.Agent.Args,
		WorkDir:      worktreePath,
		Stdin:        body,
		StageID:      stage.ID,
		SessionID:    sessionID,
		WorktreePath: worktreePath,
	})
	if err != nil {
		return errs.Wrap(errs.Transient, "launching agent", err)
	}

	o.running[sessionID] = handle
	sess.PID = handle.PID
	sess.WrapperPID = handle.PID
	sess.Status = model.SessionRunning
	sess.LastActivity = now
	if err := o.Store.SaveSession(sess); err != nil {
		return fmt.Errorf("saving running session %s: %w", sessionID, err)
	}
	if err := o.Store.WritePID(stage.ID, handle.PID); err != nil {
		return fmt.Errorf("writing pid file for %s: %w", stage.ID, err)
	}

	stage.Status = model.StatusExecuting
	stage.SessionID = sessionID
	stage.StartedAt = &now
	return o.Store.SaveStage(stage)
}

func (o *Orchestrator) buildSignalInput(stage *model.Stage, sessionID string, kind model.SessionKind) signalgen.Input {
	sess := &model.Session{ID: sessionID, StageID: stage.ID, Kind: kind}

	deps := make([]signalgen.DepStatus, 0, len(stage.Dependencies))
	allStages, _ := o.Store.LoadStages()
	byID := make(map[string]*model.Stage, len(allStages))
	for _, s := range allStages {
		byID[s.ID] = s
	}
	for _, depID := range stage.Dependencies {
		if dep, ok := byID[depID]; ok {
			deps = append(deps, signalgen.DepStatus{ID: dep.ID, Status: dep.Status, Merged: dep.Merged})
		}
	}

	var tasks []string
	if stage.GoalBackward != nil {
		tasks = append(tasks, stage.GoalBackward.Truths...)
	}
	tasks = append(tasks, stage.Acceptance...)

	var liveHandoff string
	if stage.LastFailure != nil && stage.LastFailure.Kind == model.FailureContext {
		liveHandoff = stage.LastFailure.Detail
	}

	return signalgen.Input{
		Session:      sess,
		Stage:        stage,
		Dependencies: deps,
		Tasks:        tasks,
		LiveHandoff:  liveHandoff,
	}
}

// KillAllSessions closes every currently running agent's process window,
// for `Stop{kill_sessions: true}` (§5 Cancellation). Ordinary Stop leaves
// external agent processes running.
func (o *Orchestrator) KillAllSessions() {
	for sessionID, handle := range o.running {
		if handle.Done() {
			continue
		}
		if err := procctl.Kill(handle.PID, false); err != nil {
			o.Log.Warn().Err(err).Str("session_id", sessionID).Msg("killing session failed")
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// recordStageMetrics refreshes the per-status gauge and the running-session
// gauge from the freshly reconciled graph.
func (o *Orchestrator) recordStageMetrics(g *graph.Graph) {
	counts := make(map[model.StageStatus]int)
	for _, s := range g.Stages() {
		counts[s.Status]++
	}
	for _, status := range []model.StageStatus{
		model.StatusWaitingForDeps, model.StatusQueued, model.StatusExecuting,
		model.StatusWaitingForInput, model.StatusNeedsHandoff, model.StatusBlocked,
		model.StatusMergeConflict, model.StatusCompleted, model.StatusCompletedWithFailures,
		model.StatusMergeBlocked, model.StatusSkipped,
	} {
		metrics.StagesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	metrics.SessionsRunning.Set(float64(o.countActive()))
}
