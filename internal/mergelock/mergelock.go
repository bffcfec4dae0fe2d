// Package mergelock implements the single-writer merge mutex (§6.1,
// §8 property 3: "at most one merge holds merge.lock at any instant").
// The lock is a plain file at `.work/merge.lock` created with O_EXCL so
// a crashed holder cannot wedge the daemon forever: a lock whose
// recorded PID is no longer alive, or whose age exceeds the stale
// threshold, is reclaimed.
package mergelock

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/re-cinq/loom/internal/errs"
	"github.com/re-cinq/loom/internal/procctl"
)

// StaleAfter is the age past which a merge.lock is reclaimed even if its
// recorded holder is still alive. A lock whose holder is dead is reclaimed
// regardless of age.
const StaleAfter = 5 * time.Minute

// DefaultTimeout is the bounded-spin budget for Acquire (§4.G).
const DefaultTimeout = 30 * time.Second

const (
	spinBase = 50 * time.Millisecond
	spinMax  = 1 * time.Second
)

// Lock is a held merge.lock; callers must call Release when the merge
// attempt (successful or not) concludes.
type Lock struct {
	path string
}

func lockPath(workDir string) string {
	return filepath.Join(workDir, "merge.lock")
}

// Acquire takes the merge lock, bounded-spinning with jitter for up to
// timeout while a live holder exists, and reclaiming the lock file the
// moment its holder is found to be dead or stale. It returns
// errs.ErrLockTimeout if no attempt within the budget succeeds.
func Acquire(workDir string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	path := lockPath(workDir)
	deadline := time.Now().Add(timeout)
	delay := spinBase

	for {
		reclaimIfStale(path)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().UTC().Unix())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating merge.lock: %w", err)
		}

		if time.Now().After(deadline) {
			return nil, errs.ErrLockTimeout
		}

		jitter := time.Duration(rand.Int63n(int64(delay)))
		time.Sleep(delay/2 + jitter/2)
		if delay *= 2; delay > spinMax {
			delay = spinMax
		}
	}
}

// Release removes the lock file. It is a no-op if already removed.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing merge.lock: %w", err)
	}
	return nil
}

// reclaimIfStale removes an existing merge.lock if the PID it names is
// no longer alive, or if it is older than StaleAfter. It returns true if
// it removed a file (informational only; Acquire's O_EXCL create is the
// actual race-safe step).
func reclaimIfStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) < 2 {
		// Malformed lock file from an older/incompatible write; treat as
		// stale rather than wedging every future merge attempt.
		_ = os.Remove(path)
		return true
	}

	pid, pidErr := strconv.Atoi(lines[0])
	ts, tsErr := strconv.ParseInt(lines[1], 10, 64)
	if pidErr != nil || tsErr != nil {
		_ = os.Remove(path)
		return true
	}

	age := time.Since(time.Unix(ts, 0))
	if !procctl.IsAlive(pid) || age > StaleAfter {
		_ = os.Remove(path)
		return true
	}
	return false
}
