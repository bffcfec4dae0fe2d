// Package daemon wraps an orchestrator.Orchestrator in the Unix-socket
// IPC server and process lifecycle described in §4.K and §6.5: socket
// bind, PID file, tick loop goroutine, graceful Stop, and the exit-code
// contract (0 clean, 1 config error, 2 state corruption, 3 bind
// failure). The accept-loop-plus-per-connection-goroutine shape and its
// respond-on-conn style are grounded in a reference coding-agent
// daemon's handleConn/respond, adapted from its newline-JSON protocol to
// loom's length-prefixed framing (§6.3) and from its per-instance map to
// loom's single Orchestrator.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/re-cinq/loom/internal/fsutil"
	"github.com/re-cinq/loom/internal/ipc"
	"github.com/re-cinq/loom/internal/metrics"
	"github.com/re-cinq/loom/internal/orchestrator"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ExitCode is the daemon's typed process exit status (§6.5).
type ExitCode int

const (
	ExitClean             ExitCode = 0
	ExitConfigError       ExitCode = 1
	ExitStateCorruption   ExitCode = 2
	ExitSocketBindFailure ExitCode = 3
)

// ExitError carries the code the caller (cmd/loom) should pass to
// os.Exit, distinguishing it from an ordinary error that merely gets
// logged.
type ExitError struct {
	Code ExitCode
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// socketName and pidName are the fixed filenames under .work (§6.1).
const (
	socketName = "orchestrator.sock"
	pidName    = "orchestrator.pid"
)

// Daemon owns the IPC listener and the orchestrator's tick loop. Exactly
// one Daemon instance runs per repo at a time; a second attempt to bind
// the same socket fails with ExitSocketBindFailure (§8 property 8).
type Daemon struct {
	RepoDir string
	Orch    *orchestrator.Orchestrator
	Log     zerolog.Logger

	listener net.Listener
	logHub   *logHub

	mu          sync.Mutex
	stopping    bool
	killSessions bool

	connSem *semaphore.Weighted
	wg      sync.WaitGroup
}

// New builds a Daemon. Callers must call Run to actually bind and serve.
func New(repoDir string, orch *orchestrator.Orchestrator, log zerolog.Logger) *Daemon {
	return &Daemon{
		RepoDir: repoDir,
		Orch:    orch,
		Log:     log,
		logHub:  newLogHub(),
		connSem: semaphore.NewWeighted(int64(ipc.MaxConnections)),
	}
}

func (d *Daemon) socketPath() string { return filepath.Join(fsutil.WorkDir(d.RepoDir), socketName) }
func (d *Daemon) pidPath() string    { return filepath.Join(fsutil.WorkDir(d.RepoDir), pidName) }

// Run binds the socket, writes the PID file, starts the tick-loop
// goroutine, and serves connections until Stop is received or the
// process is signaled externally via ctx-like cancellation (callers wire
// os/signal outside this package, matching the teacher's runDaemon
// pattern of a select over a signal channel one level up).
func (d *Daemon) Run() error {
	if err := fsutil.EnsureDir(fsutil.WorkDir(d.RepoDir)); err != nil {
		return &ExitError{Code: ExitConfigError, Err: fmt.Errorf("ensuring state dir: %w", err)}
	}

	if err := d.claimPIDFile(); err != nil {
		return err
	}
	defer d.cleanup()

	// A drop-guard: any panic in the serve loop still removes the
	// socket/PID/completion files so a crashed daemon never looks alive.
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error().Interface("panic", r).Msg("daemon panicked, cleaning up")
		}
	}()

	oldUmask := umask(0o077)
	l, err := net.Listen("unix", d.socketPath())
	umask(oldUmask)
	if err != nil {
		return &ExitError{Code: ExitSocketBindFailure, Err: fmt.Errorf("binding %s: %w", d.socketPath(), err)}
	}
	if err := os.Chmod(d.socketPath(), 0o600); err != nil {
		l.Close()
		return &ExitError{Code: ExitSocketBindFailure, Err: fmt.Errorf("chmod socket: %w", err)}
	}
	d.listener = l

	tickDone := make(chan struct{})
	go d.tickLoop(tickDone)

	d.Log.Info().Str("socket", d.socketPath()).Msg("daemon listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			d.mu.Lock()
			stopping := d.stopping
			d.mu.Unlock()
			if stopping {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !d.connSem.TryAcquire(1) {
			// At the connection cap (§6.3): reject immediately rather than
			// blocking the accept loop.
			ipc.WriteFrame(conn, ipc.Error(ipc.ErrKindInternal, "too many connections"))
			conn.Close()
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.connSem.Release(1)
			d.handleConn(conn)
		}()
	}

	<-tickDone
	d.wg.Wait()
	return nil
}

// tickLoop runs the orchestrator's 5-second cadence (§4.H) until Stop is
// requested.
func (d *Daemon) tickLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(orchestrator.TickInterval)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if stopping {
			return
		}

		if err := d.Orch.Tick(); err != nil {
			d.Log.Error().Err(err).Msg("tick failed")
		}

		<-ticker.C
	}
}

// claimPIDFile implements single-writer safety at the process level: if
// an existing PID file names a live process, this daemon refuses to
// start (the listen() call would also fail, but checking first gives a
// clearer error and avoids racing the stale-socket cleanup below).
func (d *Daemon) claimPIDFile() error {
	if data, err := os.ReadFile(d.pidPath()); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && isAlive(pid) {
			return &ExitError{Code: ExitSocketBindFailure, Err: fmt.Errorf("daemon already running (pid %d)", pid)}
		}
	}
	// Stale socket from a crashed prior run: remove so Listen doesn't see
	// "address already in use" for a socket nothing is serving.
	os.Remove(d.socketPath())

	pid := os.Getpid()
	if err := os.WriteFile(d.pidPath(), []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return &ExitError{Code: ExitConfigError, Err: fmt.Errorf("writing pid file: %w", err)}
	}
	return nil
}

func (d *Daemon) cleanup() {
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.socketPath())
	os.Remove(d.pidPath())
	os.Remove(filepath.Join(fsutil.WorkDir(d.RepoDir), "completion"))
}

// Stop flips the shutdown flag, which unblocks the accept loop (by
// closing the listener) and the tick loop (on its next iteration
// boundary), per §5 Cancellation. Called both by the IPC Stop handler
// and by cliapp's run command on SIGINT/SIGTERM.
func (d *Daemon) Stop(killSessions bool) {
	d.mu.Lock()
	d.stopping = true
	d.killSessions = killSessions
	d.mu.Unlock()
	if d.listener != nil {
		d.listener.Close()
	}
	if killSessions {
		d.Orch.KillAllSessions()
	}
}

func metricsConnGauge(delta float64) {
	metrics.IPCConnectionsActive.Add(delta)
}
