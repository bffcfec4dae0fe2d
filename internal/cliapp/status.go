package cliapp

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/re-cinq/loom/internal/ipc"
	"github.com/spf13/cobra"
)

var statusFollow bool

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Keep streaming status updates (once per second)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [repo-dir]",
	Short: "Show the status of every stage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepoDir(args)
		if err != nil {
			return err
		}

		first := true
		return stream(repoDir, ipc.Request{Type: ipc.ReqSubscribeStatus}, func(rsp ipc.Response) bool {
			if rsp.Type != ipc.RspStatusUpdate {
				return true
			}
			if !first {
				fmt.Print("\033[H\033[2J")
			}
			first = false
			printStatus(rsp)
			return statusFollow
		})
	},
}

// stageDisplay returns the symbol and the color that paints it, mirroring
// the teacher's stateDisplay table of (symbol, ANSI color) pairs per
// status, driven here by fatih/color instead of raw escape constants.
func stageDisplay(status string, merged bool) (string, *color.Color) {
	switch {
	case status == "completed" && merged:
		return "✓", color.New(color.FgGreen)
	case status == "blocked" || status == "merge_blocked":
		return "✗", color.New(color.FgRed)
	case status == "merge_conflict":
		return "⚠", color.New(color.FgRed)
	case status == "executing" || status == "needs_handoff":
		return "⟳", color.New(color.FgYellow)
	case status == "skipped":
		return "⊘", color.New(color.FgHiBlack)
	case status == "queued" || status == "waiting_for_deps":
		return "◯", color.New(color.FgHiBlack)
	default:
		return "◯", color.New()
	}
}

func printStatus(rsp ipc.Response) {
	fmt.Println("Stage Status")
	fmt.Println("──────────────────────────────────────────────")
	for _, s := range rsp.Stages {
		mark, c := stageDisplay(s.Status, s.Merged)
		extra := ""
		if s.ContextPercent > 0 {
			extra = fmt.Sprintf(" (context %d%%)", s.ContextPercent)
		}
		c.Printf("  %s  %-24s depth=%-3d %-18s merged=%-5v%s\n", mark, s.ID, s.Depth, s.Status, s.Merged, extra)
	}
	fmt.Printf("\ngenerated_at=%s\n", rsp.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
}

// resolveRepoDir finds the git repo root from an optional positional
// argument, matching the teacher's commands' dir-or-cwd convention.
func resolveRepoDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	repoDir := findGitRoot(absDir)
	if repoDir == "" {
		return "", fmt.Errorf("could not find git repository root from %s", absDir)
	}
	return repoDir, nil
}
