package cliapp

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/re-cinq/loom/internal/daemoncfg"
	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/graph"
	"github.com/re-cinq/loom/internal/planfile"
	"github.com/re-cinq/loom/internal/store"
	"github.com/spf13/cobra"
)

var (
	initBaseBranch  string
	initMaxParallel uint16
)

func init() {
	initCmd.Flags().StringVar(&initBaseBranch, "base-branch", daemoncfg.DefaultBaseBranch, "Trunk branch stages merge into")
	initCmd.Flags().Uint16Var(&initMaxParallel, "max-parallel", daemoncfg.DefaultMaxParallel, "Maximum concurrently running stages")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <plan-file>",
	Short: "Validate a plan and create the .work state directory for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		planPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving plan path: %w", err)
		}

		doc, err := planfile.Load(planPath)
		if err != nil {
			return fmt.Errorf("loading plan: %w", err)
		}
		// A cycle, or any other structural violation, rejects init outright
		// (§8 S5): no .work directory is created.
		if verrs := planfile.Validate(doc); len(verrs) > 0 {
			for _, e := range verrs {
				fmt.Fprintf(os.Stderr, "Error: %s\n", e)
			}
			return fmt.Errorf("%d validation error(s)", len(verrs))
		}

		repoDir := findGitRoot(filepath.Dir(planPath))
		if repoDir == "" {
			return fmt.Errorf("could not find git repository root from %s", filepath.Dir(planPath))
		}

		stages := planfile.ToStages(doc, time.Now().UTC())
		// Build once purely to compute each stage's depth and reconfirm
		// acyclicity against the materialized model.Stage set, not just
		// the plan's raw PlanStage dependency lists.
		g, err := graph.Build(stages)
		if err != nil {
			return fmt.Errorf("building graph: %w", err)
		}

		repo := gitrepo.New(repoDir)
		repo.EnsureIdentity()

		st := store.New(repoDir)
		for _, stage := range g.Stages() {
			if err := st.SaveStage(stage); err != nil {
				return fmt.Errorf("saving stage %s: %w", stage.ID, err)
			}
		}

		cfg := &daemoncfg.Config{
			ActivePlan:  planPath,
			BaseBranch:  initBaseBranch,
			MaxParallel: initMaxParallel,
		}
		if err := daemoncfg.Save(fsutil.WorkDir(repoDir), cfg); err != nil {
			return fmt.Errorf("writing config.toml: %w", err)
		}

		fmt.Printf("initialized %d stage(s) from %s\n", len(stages), planPath)
		fmt.Printf("  base branch:  %s\n", cfg.BaseBranch)
		fmt.Printf("  max parallel: %d\n", cfg.MaxParallel)
		fmt.Printf("run `loom run` to start the daemon\n")
		return nil
	},
}
