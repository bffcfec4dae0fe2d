// Package procctl launches and supervises agent processes: PTY-backed
// invocation for line-buffered log capture, the §6.4 environment
// contract, and zombie reaping. Grounded in the
// PTY-allocation pattern of a reference coding-agent engine, extended
// with the environment variables and asynchronous reaping loom's daemon
// needs (the reference engine blocks synchronously on cmd.Wait; loom's
// tick loop cannot block, so launches are fire-and-forget with the exit
// observed via a background goroutine and a completion channel).
package procctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// LaunchSpec describes one agent invocation.
type LaunchSpec struct {
	Command      string
	Args         []string
	WorkDir      string // worktree (or main repo, for merge sessions)
	Stdin        string // prompt/context piped to the agent's stdin
	Log          io.Writer
	StageID      string
	SessionID    string
	WorktreePath string
}

// Handle is a running (or just-exited) agent process.
type Handle struct {
	PID int

	mu     sync.Mutex
	done   bool
	err    error
	waitCh chan struct{}
}

// Wait blocks until the process exits and returns its error (nil on a
// zero exit code), matching exec.Cmd.Wait's contract.
func (h *Handle) Wait() error {
	<-h.waitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done reports whether the process has already exited, without
// blocking — the form the orchestrator's tick loop polls with.
func (h *Handle) Done() bool {
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

// Launch starts the agent command with a PTY attached to stdout/stderr
// (so the process sees a terminal and line-buffers its output for real
// time log tailing) and the §6.4 environment variables exported. The
// agent runs under a thin `sh -c` wrapper that exports
// LOOM_MAIN_AGENT_PID=$$ and then execs the agent, so the agent keeps
// the wrapper's PID: Handle.PID, LOOM_MAIN_AGENT_PID and the agent's own
// PID are the same number.
func Launch(spec LaunchSpec) (*Handle, error) {
	// LOOM_MAIN_AGENT_PID must equal the spawned process's own PID, which
	// os/exec only learns after Start — too late to add to cmd.Env. A thin
	// `sh -c` shell sets it from $$ (the shell's own PID, which becomes the
	// agent's PID once exec replaces the shell image) before handing off.
	script := fmt.Sprintf("export LOOM_MAIN_AGENT_PID=$$; exec %s", shellJoin(spec.Command, spec.Args))
	cmd := exec.Command("sh", "-c", script)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(),
		"LOOM_STAGE_ID="+spec.StageID,
		"LOOM_SESSION_ID="+spec.SessionID,
		"LOOM_WORK_DIR="+spec.WorkDir,
		"LOOM_WORKTREE_PATH="+spec.WorktreePath,
	)

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}

	cmd.Stdin = strings.NewReader(spec.Stdin)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		ptmx.Close()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	h := &Handle{
		PID:    cmd.Process.Pid,
		waitCh: make(chan struct{}),
	}

	go func() {
		defer ptmx.Close()
		if spec.Log != nil {
			if _, copyErr := io.Copy(spec.Log, ptmx); copyErr != nil {
				var pathErr *os.PathError
				if !(errors.As(copyErr, &pathErr) && pathErr.Err == syscall.EIO) {
					// Non-EIO read errors are swallowed here: the wait
					// below still observes the real exit status, and a
					// half-read log is not grounds to misreport the
					// session as crashed.
					_ = copyErr
				}
			}
		}
		waitErr := cmd.Wait()
		h.mu.Lock()
		h.err = waitErr
		h.done = true
		h.mu.Unlock()
		close(h.waitCh)
	}()

	return h, nil
}

// shellJoin builds a POSIX-shell command line with each argument
// single-quoted, so paths and prompts containing spaces or shell
// metacharacters pass through unmodified rather than being re-split.
func shellJoin(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteShellArg(command))
	for _, a := range args {
		parts = append(parts, quoteShellArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsAlive reports whether pid names a running process, via the signal-0
// liveness probe (delivers no actual signal).
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Kill sends SIGKILL when force is set and SIGTERM otherwise. It sends a
// single signal and returns without waiting; it does not escalate from
// SIGTERM to SIGKILL.
func Kill(pid int, force bool) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return proc.Signal(sig)
}

