package cliapp

import (
	"fmt"

	"github.com/re-cinq/loom/internal/ipc"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [repo-dir]",
	Short: "Tail the daemon's log output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepoDir(args)
		if err != nil {
			return err
		}

		return stream(repoDir, ipc.Request{Type: ipc.ReqSubscribeLogs}, func(rsp ipc.Response) bool {
			if rsp.Type != ipc.RspLogLine {
				return true
			}
			fmt.Printf("%s %-5s %s\n", rsp.Ts.Format("15:04:05.000"), rsp.Level, rsp.Text)
			return true
		})
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
