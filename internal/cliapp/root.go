// Package cliapp implements loom's command-line front end: init, run,
// status, stop, logs, and validate, adapted from the teacher's cobra
// command tree (internal/cli/root.go, run.go, status.go) to loom's
// IPC-socket daemon rather than an in-process polling loop.
package cliapp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Orchestrate coding agents across a dependency graph of stages",
	Long: `loom is a long-running daemon that drives external coding-agent
processes through a dependency graph of stages, each in its own git
worktree and branch. It detects crashes and context exhaustion, retries
with backoff, merges completed stages into trunk one at a time, and
verifies goal-backward that each stage actually delivered what it
claimed to.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loom %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// findGitRoot walks upward from dir looking for a .git entry, mirroring
// the teacher's lookup so loom commands work from any subdirectory of
// the repo they orchestrate.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
