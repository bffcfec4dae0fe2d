package acceptance_test

import (
	"fmt"
	"time"

	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/model"
	"github.com/re-cinq/loom/internal/store"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// commitScript is a fake agent: it records a small change on whatever
// branch/worktree it's launched in, then idles so the PID stays alive
// long enough for the orchestrator to observe an externally-set
// Completed status (§4.E "stage_completed_detected" requires the
// session to still be Running when it fires).
const commitScript = `echo %s > %s && git add -A && git -c user.name=agent -c user.email=agent@example.com commit -q -m work && sleep 30`

func waitForStatus(st *store.Store, stageID string, want model.StageStatus, timeout time.Duration) *model.Stage {
	deadline := time.Now().Add(timeout)
	for {
		stages, err := st.LoadStages()
		Expect(err).NotTo(HaveOccurred())
		for _, s := range stages {
			if s.ID == stageID && s.Status == want {
				return s
			}
		}
		if time.Now().After(deadline) {
			Fail("timed out waiting for " + stageID + " to reach " + string(want))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

var _ = Describe("a single-stage plan", func() {
	It("runs to completion and merges atomically into the trunk", func() {
		repoDir := newRepo()
		st := store.New(repoDir)

		stage := &model.Stage{
			ID: "build-api", Name: "Build API", WorkingDir: ".",
			StageType: model.StageStandard, Status: model.StatusWaitingForDeps,
			ContextBudget: 65, CreatedAt: time.Now().UTC(),
		}
		Expect(st.SaveStage(stage)).To(Succeed())

		o := newOrchestrator(repoDir, fmtScript("out.txt", "built"))
		defer o.KillAllSessions()

		Expect(o.Tick()).To(Succeed())
		waitForStatus(st, "build-api", model.StatusExecuting, 2*time.Second)

		// Give the fake agent time to commit before we flip its status,
		// mirroring what a real CLI agent would do on its own.
		time.Sleep(300 * time.Millisecond)
		stages, err := st.LoadStages()
		Expect(err).NotTo(HaveOccurred())
		for _, s := range stages {
			if s.ID == "build-api" {
				s.Status = model.StatusCompleted
				Expect(st.SaveStage(s)).To(Succeed())
			}
		}

		Expect(o.Tick()).To(Succeed())
		merged := waitForStatus(st, "build-api", model.StatusCompleted, 2*time.Second)
		Expect(merged.Merged).To(BeTrue())
		Expect(merged.MergeCommit).NotTo(BeEmpty())

		repo := gitrepo.New(repoDir)
		ok, err := repo.IsAncestor(merged.MergeCommit, "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue(), "merge_commit must be an ancestor of trunk before merged=true is trusted")
	})
})

var _ = Describe("a stage whose agent process crashes", func() {
	It("retries with backoff instead of merging", func() {
		repoDir := newRepo()
		st := store.New(repoDir)

		stage := &model.Stage{
			ID: "flaky", Name: "Flaky", WorkingDir: ".",
			StageType: model.StageStandard, Status: model.StatusWaitingForDeps,
			ContextBudget: 65, CreatedAt: time.Now().UTC(),
		}
		Expect(st.SaveStage(stage)).To(Succeed())

		o := newOrchestrator(repoDir, "exit 7")
		defer o.KillAllSessions()

		Expect(o.Tick()).To(Succeed())
		waitForStatus(st, "flaky", model.StatusExecuting, 2*time.Second)

		time.Sleep(300 * time.Millisecond)
		Expect(o.Tick()).To(Succeed())

		blocked := waitForStatus(st, "flaky", model.StatusBlocked, 2*time.Second)
		Expect(blocked.RetryCount).To(Equal(1))
		Expect(blocked.LastFailure).NotTo(BeNil())
		Expect(blocked.LastFailure.Kind).To(Equal(model.FailureTransient))
		Expect(blocked.Merged).To(BeFalse())

		// Immediately re-ticking, before the backoff delay elapses,
		// must leave it Blocked rather than requeuing early.
		Expect(o.Tick()).To(Succeed())
		stages, err := st.LoadStages()
		Expect(err).NotTo(HaveOccurred())
		for _, s := range stages {
			if s.ID == "flaky" {
				Expect(s.Status).To(Equal(model.StatusBlocked))
			}
		}
	})
})

var _ = Describe("two independent stages that edit the same file", func() {
	It("merges the first cleanly and flags the second as a conflict", func() {
		repoDir := newRepo()
		st := store.New(repoDir)

		a := &model.Stage{ID: "alpha", Name: "Alpha", WorkingDir: ".", StageType: model.StageStandard, Status: model.StatusWaitingForDeps, ContextBudget: 65, CreatedAt: time.Now().UTC()}
		b := &model.Stage{ID: "beta", Name: "Beta", WorkingDir: ".", StageType: model.StageStandard, Status: model.StatusWaitingForDeps, ContextBudget: 65, CreatedAt: time.Now().UTC()}
		Expect(st.SaveStage(a)).To(Succeed())
		Expect(st.SaveStage(b)).To(Succeed())

		o := newOrchestrator(repoDir, `echo "changed-by-$LOOM_STAGE_ID" > README.md && git add -A && git -c user.name=agent -c user.email=agent@example.com commit -q -m work && sleep 30`)
		defer o.KillAllSessions()

		Expect(o.Tick()).To(Succeed())
		waitForStatus(st, "alpha", model.StatusExecuting, 2*time.Second)
		waitForStatus(st, "beta", model.StatusExecuting, 2*time.Second)
		time.Sleep(300 * time.Millisecond)

		completeStage(st, "alpha")
		Expect(o.Tick()).To(Succeed())
		waitForStatus(st, "alpha", model.StatusCompleted, 2*time.Second)

		completeStage(st, "beta")
		Expect(o.Tick()).To(Succeed())
		conflicted := waitForStatus(st, "beta", model.StatusMergeConflict, 2*time.Second)
		Expect(conflicted.Merged).To(BeFalse())
	})
})

var _ = Describe("a plan with a dependency cycle", func() {
	It("is rejected before any stage is scheduled", func() {
		stages := []*model.Stage{
			{ID: "a", Dependencies: []string{"b"}, Status: model.StatusWaitingForDeps},
			{ID: "b", Dependencies: []string{"a"}, Status: model.StatusWaitingForDeps},
		}
		_, err := graph.Build(stages)
		Expect(err).To(HaveOccurred())
	})
})

func fmtScript(file, contents string) string {
	return fmt.Sprintf(commitScript, contents, file)
}

func completeStage(st *store.Store, id string) {
	stages, err := st.LoadStages()
	Expect(err).NotTo(HaveOccurred())
	for _, s := range stages {
		if s.ID == id {
			s.Status = model.StatusCompleted
			Expect(st.SaveStage(s)).To(Succeed())
		}
	}
}
