package cliapp

import (
	"fmt"

	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/store"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(vizCmd)
}

var vizCmd = &cobra.Command{
	Use:   "viz [repo-dir]",
	Short: "Visualize the stage dependency graph as a tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepoDir(args)
		if err != nil {
			return err
		}

		stages, err := store.New(repoDir).LoadStages()
		if err != nil {
			return fmt.Errorf("loading stages: %w", err)
		}
		g, err := graph.Build(stages)
		if err != nil {
			return fmt.Errorf("building graph: %w", err)
		}

		printGraph(g)
		return nil
	},
}

// printGraph renders the stage graph depth-first from every root,
// adapted from the teacher's printGraph/printBranch concern-tree
// renderer to loom's Stage/Status model.
func printGraph(g *graph.Graph) {
	visited := map[string]bool{}
	for _, root := range g.Roots() {
		printBranch(g, root.ID, "", true, visited)
	}
}

func printBranch(g *graph.Graph, id, prefix string, isLast bool, visited map[string]bool) {
	if visited[id] {
		return
	}
	visited[id] = true

	stage, ok := g.Stage(id)
	if !ok {
		return
	}
	mark, c := stageDisplay(string(stage.Status), stage.Merged)

	connector := "├── "
	if isLast {
		connector = "└── "
	}
	if prefix == "" {
		connector = ""
	}
	c.Printf("%s%s%s %s (%s)\n", prefix, connector, mark, stage.ID, stage.Status)

	childPrefix := prefix
	if prefix != "" {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	down := g.Downstream(id)
	for i, childID := range down {
		printBranch(g, childID, childPrefix, i == len(down)-1, visited)
	}
}
