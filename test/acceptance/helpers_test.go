package acceptance_test

import (
	"io"
	"os"
	"path/filepath"

	"github.com/re-cinq/loom/internal/gitrepo"
	"github.com/re-cinq/loom/internal/orchestrator"
	"github.com/rs/zerolog"

	. "github.com/onsi/gomega"
)

// newRepo creates a throwaway git repository with one commit on main and
// returns its path.
func newRepo() string {
	dir, err := os.MkdirTemp("", "loom-acceptance-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })

	run(dir, "init", "-q", "-b", "main")
	run(dir, "config", "user.name", "loom")
	run(dir, "config", "user.email", "loom@example.com")
	Expect(os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644)).To(Succeed())
	run(dir, "add", "-A")
	run(dir, "commit", "-q", "-m", "initial")

	gitrepo.New(dir).EnsureIdentity()
	return dir
}

// newOrchestrator builds an Orchestrator wired to agent, a shell one-liner
// standing in for an external coding-agent CLI.
func newOrchestrator(repoDir string, agentScript string) *orchestrator.Orchestrator {
	log := zerolog.New(io.Discard)
	return orchestrator.New(repoDir, "main", 4, orchestrator.AgentSpec{
		Command: "sh",
		Args:    []string{"-c", agentScript},
	}, log)
}
