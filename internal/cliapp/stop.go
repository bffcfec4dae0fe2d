package cliapp

import (
	"fmt"

	"github.com/re-cinq/loom/internal/ipc"
	"github.com/spf13/cobra"
)

var stopKillSessions bool

func init() {
	stopCmd.Flags().BoolVar(&stopKillSessions, "kill-sessions", false, "Also kill any running agent processes")
	rootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop [repo-dir]",
	Short: "Ask the running daemon to shut down",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepoDir(args)
		if err != nil {
			return err
		}

		rsp, err := request(repoDir, ipc.Request{Type: ipc.ReqStop, KillSessions: stopKillSessions})
		if err != nil {
			return err
		}
		if rsp.Type == ipc.RspOk {
			fmt.Println("stop requested")
		}
		return nil
	},
}
