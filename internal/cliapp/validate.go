package cliapp

import (
	"fmt"
	"os"

	"github.com/re-cinq/loom/internal/planfile"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan file without creating a .work directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		if errs := planfile.Validate(doc); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(os.Stderr, "Error: %s\n", e)
			}
			return fmt.Errorf("%d validation error(s)", len(errs))
		}
		fmt.Printf("%s: valid (%d stages)\n", args[0], len(doc.Loom.Stages))
		return nil
	},
}
