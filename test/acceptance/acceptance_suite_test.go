// Package acceptance_test exercises the orchestrator's tick loop against
// a real git repository and real (short-lived, scripted) agent
// processes, covering the end-to-end scenarios named in the scheduler's
// state-machine description rather than any single package's unit
// behavior.
package acceptance_test

import (
	"os/exec"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Acceptance Suite")
}

func run(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "git %v: %s", args, out)
}
