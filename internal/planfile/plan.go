// Package planfile parses and validates the plan document (§6.2): the
// bit-exact input schema consumed by `loom init`, expressed as YAML with
// the fixed top-level key `loom`.
package planfile

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/re-cinq/loom/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	maxTruths      = 20
	maxArtifacts   = 100
	maxCommandLen  = 1024
	supportedVersion = 1
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// reservedIDs names stage ids that would collide with loom's own naming
// conventions (branch/worktree prefixes, signal kinds).
var reservedIDs = map[string]bool{
	"main": true, "trunk": true, "head": true, "hooks": true,
}

// PlanWiring mirrors model.WiringRule in the plan's input vocabulary.
type PlanWiring struct {
	Source      string `yaml:"source"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// PlanStage is one `loom.stages[]` entry (§6.2).
type PlanStage struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	Description   string       `yaml:"description,omitempty"`
	WorkingDir    string       `yaml:"working_dir"`
	StageType     string       `yaml:"stage_type"`
	Dependencies  []string     `yaml:"dependencies"`
	Acceptance    []string     `yaml:"acceptance"`
	Truths        []string     `yaml:"truths"`
	Artifacts     []string     `yaml:"artifacts"`
	Wiring        []PlanWiring `yaml:"wiring"`
	ContextBudget int          `yaml:"context_budget"`
	ParallelGroup string       `yaml:"parallel_group,omitempty"`
	Setup         []string     `yaml:"setup"`
	Files         []string     `yaml:"files"`
}

// Document is the root `loom:` YAML document.
type Document struct {
	Loom struct {
		Version int         `yaml:"version"`
		Stages  []PlanStage `yaml:"stages"`
	} `yaml:"loom"`
}

// Load reads and parses a plan file from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return Parse(data)
}

// Parse parses plan YAML bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan YAML: %w", err)
	}
	return &doc, nil
}

// Validate checks the plan document against every constraint in §6.2 and
// returns all violations found (not just the first), keyed informally by
// message so the CLI can print a complete report.
func Validate(doc *Document) []error {
	var errs []error

	if doc.Loom.Version != supportedVersion {
		errs = append(errs, fmt.Errorf("unsupported loom.version %d (only version 1 is accepted)", doc.Loom.Version))
		return errs
	}

	if len(doc.Loom.Stages) == 0 {
		errs = append(errs, fmt.Errorf("plan has no stages"))
		return errs
	}

	seen := make(map[string]bool)
	ids := make(map[string]bool)
	for _, s := range doc.Loom.Stages {
		ids[s.ID] = true
	}

	for i, s := range doc.Loom.Stages {
		path := fmt.Sprintf("loom.stages[%d]", i)

		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", path))
			continue
		}
		if !idPattern.MatchString(s.ID) {
			errs = append(errs, fmt.Errorf("%s: id %q must match [A-Za-z0-9_-]{1,128}", path, s.ID))
		}
		if reservedIDs[s.ID] {
			errs = append(errs, fmt.Errorf("%s: id %q is reserved", path, s.ID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", path, s.ID))
		}
		seen[s.ID] = true

		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s (%s): name is required", path, s.ID))
		}

		for _, dep := range s.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("%s (%s): unknown dependency %q", path, s.ID, dep))
			}
		}

		stageType := model.StageType(s.StageType)
		if stageType == "" {
			stageType = model.StageStandard
		}
		switch stageType {
		case model.StageStandard, model.StageKnowledge, model.StageCodeReview, model.StageIntegrationVerify:
		default:
			errs = append(errs, fmt.Errorf("%s (%s): unknown stage_type %q", path, s.ID, s.StageType))
		}

		if stageType == model.StageStandard {
			if len(s.Truths) == 0 {
				errs = append(errs, fmt.Errorf("%s (%s): truths is required for standard stages", path, s.ID))
			}
			if len(s.Artifacts) == 0 {
				errs = append(errs, fmt.Errorf("%s (%s): artifacts is required for standard stages", path, s.ID))
			}
			if s.Wiring == nil {
				errs = append(errs, fmt.Errorf("%s (%s): wiring is required for standard stages", path, s.ID))
			}
		}

		if len(s.Truths) > maxTruths {
			errs = append(errs, fmt.Errorf("%s (%s): %d truths exceeds limit of %d", path, s.ID, len(s.Truths), maxTruths))
		}
		if len(s.Artifacts) > maxArtifacts {
			errs = append(errs, fmt.Errorf("%s (%s): %d artifacts exceeds limit of %d", path, s.ID, len(s.Artifacts), maxArtifacts))
		}

		for _, cmd := range allCommands(s) {
			if len(cmd) > maxCommandLen {
				errs = append(errs, fmt.Errorf("%s (%s): command exceeds %d characters", path, s.ID, maxCommandLen))
			}
			if containsControlChars(cmd) {
				errs = append(errs, fmt.Errorf("%s (%s): command contains control characters", path, s.ID))
			}
		}

		if s.ContextBudget != 0 && (s.ContextBudget < 1 || s.ContextBudget > 75) {
			errs = append(errs, fmt.Errorf("%s (%s): context_budget %d out of range 1..=75", path, s.ID, s.ContextBudget))
		}
	}

	if cycleErr := detectCycle(doc.Loom.Stages); cycleErr != nil {
		errs = append(errs, cycleErr)
	}

	return errs
}

func allCommands(s PlanStage) []string {
	var cmds []string
	cmds = append(cmds, s.Acceptance...)
	cmds = append(cmds, s.Truths...)
	cmds = append(cmds, s.Setup...)
	return cmds
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			return true
		}
	}
	return false
}

func detectCycle(stages []PlanStage) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]PlanStage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}

	color := make(map[string]int)
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue // unknown dependency already reported by Validate
			}
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected: %s -> %s", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, s := range stages {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToStages converts a validated plan document into initial Stage models,
// with status WaitingForDeps, CreatedAt set to now and no start or
// completion time, ready for the state store to persist. Depth is left at 0; the graph package computes
// and fills it in on first build.
func ToStages(doc *Document, now time.Time) []*model.Stage {
	out := make([]*model.Stage, 0, len(doc.Loom.Stages))
	for _, s := range doc.Loom.Stages {
		stageType := model.StageType(s.StageType)
		if stageType == "" {
			stageType = model.StageStandard
		}

		workingDir := s.WorkingDir
		if workingDir == "" {
			workingDir = "."
		}

		budget := s.ContextBudget
		if budget == 0 {
			budget = model.DefaultContextBudget
		}

		var gb *model.GoalBackward
		if stageType == model.StageStandard {
			wiring := make([]model.WiringRule, len(s.Wiring))
			for i, w := range s.Wiring {
				wiring[i] = model.WiringRule{Source: w.Source, Pattern: w.Pattern, Description: w.Description}
			}
			gb = &model.GoalBackward{Truths: s.Truths, Artifacts: s.Artifacts, Wiring: wiring}
		}

		stage := &model.Stage{
			ID:            s.ID,
			Name:          s.Name,
			Description:   s.Description,
			WorkingDir:    workingDir,
			Dependencies:  append([]string(nil), s.Dependencies...),
			StageType:     stageType,
			Acceptance:    s.Acceptance,
			GoalBackward:  gb,
			Files:         s.Files,
			ParallelGroup: s.ParallelGroup,
			Status:        model.StatusWaitingForDeps,
			ContextBudget: budget,
			CreatedAt:     now,
		}

		// Non-standard stages that never produce a worktree are merged
		// at creation (§3 Stage.merged invariant).
		if stageType != model.StageStandard {
			stage.Merged = true
		}

		out = append(out, stage)
	}
	return out
}
