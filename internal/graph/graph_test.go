package graph

import (
	"testing"

	"github.com/re-cinq/loom/internal/model"
)

func stage(id string, deps ...string) *model.Stage {
	return &model.Stage{ID: id, Dependencies: deps, Status: model.StatusWaitingForDeps}
}

func TestBuildRejectsCycle(t *testing.T) {
	stages := []*model.Stage{
		stage("a", "b"),
		stage("b", "c"),
		stage("c", "a"),
	}
	if _, err := Build(stages); err == nil {
		t.Fatal("Build did not reject a cycle")
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	stages := []*model.Stage{stage("a", "ghost")}
	if _, err := Build(stages); err == nil {
		t.Fatal("Build did not reject an unknown dependency")
	}
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	stages := []*model.Stage{stage("a"), stage("a")}
	if _, err := Build(stages); err == nil {
		t.Fatal("Build did not reject a duplicate stage id")
	}
}

func TestComputeDepths(t *testing.T) {
	stages := []*model.Stage{
		stage("root"),
		stage("mid", "root"),
		stage("leaf", "mid"),
		stage("diamond-a", "root"),
		stage("diamond-b", "diamond-a", "mid"),
	}
	g, err := Build(stages)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := map[string]int{"root": 0, "mid": 1, "leaf": 2, "diamond-a": 1, "diamond-b": 2}
	for id, d := range want {
		s, ok := g.Stage(id)
		if !ok {
			t.Fatalf("stage %s missing", id)
		}
		if s.Depth != d {
			t.Errorf("depth(%s) = %d, want %d", id, s.Depth, d)
		}
	}
}

func TestReadyStagesOrderedByDepthThenID(t *testing.T) {
	stages := []*model.Stage{
		stage("root"),
		stage("b", "root"),
		stage("a", "root"),
	}
	g, err := Build(stages)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	g.Stage("root")
	root, _ := g.Stage("root")
	root.Status = model.StatusCompleted
	root.Merged = true

	ready := g.ReadyStages()
	if len(ready) != 2 {
		t.Fatalf("ReadyStages returned %d stages, want 2", len(ready))
	}
	if ready[0].ID != "a" || ready[1].ID != "b" {
		t.Errorf("ReadyStages order = [%s, %s], want [a, b]", ready[0].ID, ready[1].ID)
	}
}

func TestReadyRequiresDependenciesDoneAndMerged(t *testing.T) {
	stages := []*model.Stage{stage("root"), stage("child", "root")}
	g, _ := Build(stages)

	if g.Ready("child") {
		t.Error("child should not be ready while root is incomplete")
	}

	root, _ := g.Stage("root")
	root.Status = model.StatusCompleted
	if g.Ready("child") {
		t.Error("child should not be ready while root is unmerged")
	}

	root.Merged = true
	if !g.Ready("child") {
		t.Error("child should be ready once root is completed and merged")
	}
}

func TestCascadeSkip(t *testing.T) {
	stages := []*model.Stage{
		stage("root"),
		stage("mid", "root"),
		stage("leaf", "mid"),
		stage("sibling", "root"),
	}
	g, _ := Build(stages)

	root, _ := g.Stage("root")
	root.Status = model.StatusSkipped

	skipped := g.CascadeSkip("root")
	want := map[string]bool{"mid": true, "leaf": true, "sibling": true}
	if len(skipped) != len(want) {
		t.Fatalf("CascadeSkip returned %v, want 3 ids", skipped)
	}
	for _, id := range skipped {
		if !want[id] {
			t.Errorf("unexpected id %s in cascade skip result", id)
		}
		s, _ := g.Stage(id)
		if s.Status != model.StatusSkipped {
			t.Errorf("stage %s status = %s, want skipped", id, s.Status)
		}
	}
}

func TestAllDone(t *testing.T) {
	stages := []*model.Stage{stage("a"), stage("b", "a")}
	g, _ := Build(stages)
	if g.AllDone() {
		t.Error("AllDone should be false before any stage completes")
	}
	a, _ := g.Stage("a")
	a.Status, a.Merged = model.StatusCompleted, true
	b, _ := g.Stage("b")
	b.Status, b.Merged = model.StatusCompleted, true
	if !g.AllDone() {
		t.Error("AllDone should be true once every stage is Done")
	}
}

func TestAllDoneIgnoresSkippedStages(t *testing.T) {
	stages := []*model.Stage{stage("a"), stage("b", "a")}
	g, _ := Build(stages)
	a, _ := g.Stage("a")
	a.Status, a.Merged = model.StatusCompleted, true
	b, _ := g.Stage("b")
	b.Status = model.StatusSkipped
	if !g.AllDone() {
		t.Error("AllDone should be true when the only non-Done stage is Skipped")
	}
}
