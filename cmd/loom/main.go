package main

import (
	"os"

	"github.com/re-cinq/loom/internal/cliapp"
)

func main() {
	if err := cliapp.Execute(); err != nil {
		os.Exit(1)
	}
}
