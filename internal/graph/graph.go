// Package graph builds the stage dependency DAG and answers the
// scheduling queries the orchestrator's tick loop needs: cycle
// detection, longest-path depth, readiness, and downstream cascade-skip.
// Cycles are found by DFS coloring and depths by a memoized longest-path
// walk; the graph is a synchronous query object rather than a
// channel-driven worker loop — loom's core is cooperative-polled (§9),
// not goroutine-per-task.
package graph

import (
	"fmt"
	"sort"

	"github.com/re-cinq/loom/internal/model"
)

// Graph is a read-only view over a set of stages, indexed for fast
// dependency/dependent lookups. It holds no mutable scheduling state;
// callers rebuild it on every reconcile tick from the current stage set.
type Graph struct {
	stages      map[string]*model.Stage
	downstream  map[string][]string // id -> ids that depend on it
	order       []string            // insertion order, for stable iteration
}

// Build constructs a Graph from stages and returns an error if any
// dependency references an unknown id or a cycle exists. This mirrors
// the structural-error handling in §7: a cyclic or malformed graph must
// fail loudly, never be silently repaired.
func Build(stages []*model.Stage) (*Graph, error) {
	g := &Graph{
		stages:     make(map[string]*model.Stage, len(stages)),
		downstream: make(map[string][]string, len(stages)),
	}

	for _, s := range stages {
		if _, dup := g.stages[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", s.ID)
		}
		g.stages[s.ID] = s
		g.order = append(g.order, s.ID)
	}

	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			g.downstream[dep] = append(g.downstream[dep], s.ID)
		}
	}

	if err := detectCycle(g); err != nil {
		return nil, err
	}

	computeDepths(g)
	return g, nil
}

// detectCycle runs the standard white/gray/black DFS coloring.
func detectCycle(g *Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.stages))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range g.stages[id].Dependencies {
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected: %s -> %s", id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeDepths fills in each stage's longest-path depth: roots are 0,
// every other stage is one more than its deepest dependency. Graph
// acyclicity (already verified) guarantees this terminates.
func computeDepths(g *Graph) {
	memo := make(map[string]int, len(g.stages))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		stage := g.stages[id]
		if len(stage.Dependencies) == 0 {
			memo[id] = 0
			return 0
		}
		max := 0
		for _, dep := range stage.Dependencies {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}

	for _, id := range g.order {
		g.stages[id].Depth = depth(id)
	}
}

// Stage looks up a stage by id.
func (g *Graph) Stage(id string) (*model.Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// Stages returns every stage in stable insertion order.
func (g *Graph) Stages() []*model.Stage {
	out := make([]*model.Stage, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

// Downstream returns the ids that directly depend on id.
func (g *Graph) Downstream(id string) []string {
	return g.downstream[id]
}

// Ready reports whether every dependency of the stage named id satisfies
// Completed ∧ merged (§8 property 1, the "Ready" glossary entry).
func (g *Graph) Ready(id string) bool {
	stage, ok := g.stages[id]
	if !ok {
		return false
	}
	return stage.Schedulable(g.stages)
}

// ReadyStages returns every stage currently WaitingForDeps whose
// dependencies are all Done, ordered by (depth, id) per §4.H step 4's
// launch ordering.
func (g *Graph) ReadyStages() []*model.Stage {
	var ready []*model.Stage
	for _, id := range g.order {
		stage := g.stages[id]
		if stage.Status != model.StatusWaitingForDeps {
			continue
		}
		if g.Ready(id) {
			ready = append(ready, stage)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Depth != ready[j].Depth {
			return ready[i].Depth < ready[j].Depth
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// CascadeSkip marks every stage reachable downstream of a Skipped stage
// as Skipped too (§8 boundary case: "A stage whose dependency is Skipped
// itself becomes Skipped"), breadth-first so a diamond dependency is
// only visited once. It returns the ids newly transitioned.
func (g *Graph) CascadeSkip(rootID string) []string {
	var skipped []string
	queue := []string{rootID}
	visited := map[string]bool{}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		for _, downID := range g.downstream[id] {
			down := g.stages[downID]
			if down.Status == model.StatusSkipped {
				continue
			}
			down.Status = model.StatusSkipped
			skipped = append(skipped, downID)
			queue = append(queue, downID)
		}
	}
	return skipped
}

// Roots returns stages with no dependencies.
func (g *Graph) Roots() []*model.Stage {
	var roots []*model.Stage
	for _, id := range g.order {
		if len(g.stages[id].Dependencies) == 0 {
			roots = append(roots, g.stages[id])
		}
	}
	return roots
}

// AllDone reports whether every non-Skipped stage in the graph satisfies
// Done() (§4.H step 6, §6.1 "completion" marker condition). A Skipped
// stage (Files-filter skip or CascadeSkip) never becomes Completed∧merged
// and must not block completion.
func (g *Graph) AllDone() bool {
	for _, id := range g.order {
		s := g.stages[id]
		if s.Status == model.StatusSkipped {
			continue
		}
		if !s.Done() {
			return false
		}
	}
	return true
}
