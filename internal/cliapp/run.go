package cliapp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/re-cinq/loom/internal/daemon"
	"github.com/re-cinq/loom/internal/daemoncfg"
	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/orchestrator"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	runAgentCommand string
	runAgentArgs    []string
)

func init() {
	runCmd.Flags().StringVar(&runAgentCommand, "agent", "claude", "Command used to launch each stage's agent process")
	runCmd.Flags().StringSliceVar(&runAgentArgs, "agent-arg", nil, "Extra argument passed to the agent command (repeatable)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [repo-dir]",
	Short: "Run the loom daemon",
	Long: `Run starts the daemon: it binds the IPC socket, then ticks the
orchestrator every 5 seconds until it receives a Stop request or the
process is signaled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		repoDir := findGitRoot(absDir)
		if repoDir == "" {
			return fmt.Errorf("could not find git repository root from %s", absDir)
		}

		cfg, err := daemoncfg.Load(fsutil.WorkDir(repoDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			fmt.Fprintln(os.Stderr, "(run `loom init <plan-file>` first)")
			return err
		}

		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

		orch := orchestrator.New(repoDir, cfg.BaseBranch, int(cfg.MaxParallel), orchestrator.AgentSpec{
			Command: runAgentCommand,
			Args:    runAgentArgs,
		}, log)

		d := daemon.New(repoDir, orch, log)

		// Fan log output to both the console and any SubscribeLogs
		// clients, mirroring the teacher's single logMgr for the daemon's
		// lifetime (internal/engine.NewLogManager in run.go).
		log = zerolog.New(io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, d.LogWriter())).With().Timestamp().Logger()
		orch.Log = log
		d.Log = log

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			fmt.Fprintf(os.Stderr, "\nreceived %s, shutting down...\n", sig)
			d.Stop(false)
		}()

		fmt.Printf("loom daemon started for %s (max_parallel=%d, base_branch=%s)\n", repoDir, cfg.MaxParallel, cfg.BaseBranch)

		err = d.Run()
		var exitErr *daemon.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", exitErr.Err)
			os.Exit(int(exitErr.Code))
		}
		return err
	},
}
