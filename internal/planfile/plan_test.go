package planfile

import (
	"strings"
	"testing"
	"time"

	"github.com/re-cinq/loom/internal/model"
)

func validPlan() *Document {
	doc := &Document{}
	doc.Loom.Version = 1
	doc.Loom.Stages = []PlanStage{
		{
			ID: "schema", Name: "Schema", WorkingDir: ".",
			Truths: []string{"schema exists"}, Artifacts: []string{"schema.sql"},
			Wiring: []PlanWiring{{Source: "db.go", Pattern: "schema.sql", Description: "loaded at boot"}},
		},
		{
			ID: "build-api", Name: "Build API", WorkingDir: ".", Dependencies: []string{"schema"},
			Truths: []string{"api responds"}, Artifacts: []string{"api.go"},
			Wiring: []PlanWiring{{Source: "main.go", Pattern: "api.Serve", Description: "wired into main"}},
		},
	}
	return doc
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	if errs := Validate(validPlan()); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	doc := validPlan()
	doc.Loom.Stages[0].Dependencies = []string{"build-api"}

	errs := Validate(doc)
	if len(errs) == 0 {
		t.Fatal("Validate did not reject a cycle")
	}
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "cycle") {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate errors = %v, want one mentioning a cycle", errs)
	}
}

func TestValidateRejectsDuplicateID(t *testing.T) {
	doc := validPlan()
	doc.Loom.Stages = append(doc.Loom.Stages, doc.Loom.Stages[0])

	errs := Validate(doc)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "duplicate id") {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate errors = %v, want one mentioning duplicate id", errs)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	doc := validPlan()
	doc.Loom.Stages[1].Dependencies = []string{"ghost"}

	errs := Validate(doc)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "unknown dependency") {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate errors = %v, want one mentioning unknown dependency", errs)
	}
}

func TestValidateRequiresGoalBackwardFieldsForStandardStages(t *testing.T) {
	doc := validPlan()
	doc.Loom.Stages[0].Truths = nil
	doc.Loom.Stages[0].Artifacts = nil
	doc.Loom.Stages[0].Wiring = nil

	errs := Validate(doc)
	if len(errs) != 3 {
		t.Fatalf("Validate() = %v, want 3 errors (truths, artifacts, wiring)", errs)
	}
}

func TestValidateRejectsUnsupportedVersion(t *testing.T) {
	doc := validPlan()
	doc.Loom.Version = 2
	errs := Validate(doc)
	if len(errs) != 1 {
		t.Fatalf("Validate() = %v, want exactly 1 error", errs)
	}
}

func TestValidateEnforcesLimits(t *testing.T) {
	doc := validPlan()
	doc.Loom.Stages[0].Truths = make([]string, maxTruths+1)
	for i := range doc.Loom.Stages[0].Truths {
		doc.Loom.Stages[0].Truths[i] = "t"
	}

	errs := Validate(doc)
	found := false
	for _, e := range errs {
		if strings.Contains(e.Error(), "exceeds limit") {
			found = true
		}
	}
	if !found {
		t.Errorf("Validate errors = %v, want one mentioning exceeds limit", errs)
	}
}

func TestToStagesSetsMergedForNonStandardStages(t *testing.T) {
	doc := &Document{}
	doc.Loom.Version = 1
	doc.Loom.Stages = []PlanStage{
		{ID: "notes", Name: "Notes", StageType: string(model.StageKnowledge)},
	}

	stages := ToStages(doc, time.Now().UTC())
	if len(stages) != 1 {
		t.Fatalf("ToStages returned %d stages, want 1", len(stages))
	}
	if !stages[0].Merged {
		t.Error("knowledge stage Merged = false, want true at creation")
	}
	if stages[0].GoalBackward != nil {
		t.Error("knowledge stage should have no GoalBackward")
	}
}

func TestToStagesStandardStageStartsUnmerged(t *testing.T) {
	stages := ToStages(validPlan(), time.Now().UTC())
	for _, s := range stages {
		if s.Merged {
			t.Errorf("standard stage %s Merged = true, want false at creation", s.ID)
		}
		if s.Status != model.StatusWaitingForDeps {
			t.Errorf("stage %s Status = %s, want waiting_for_deps", s.ID, s.Status)
		}
	}
}
