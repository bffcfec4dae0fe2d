package mergelock

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(lockPath(dir)); err != nil {
		t.Fatalf("lock file missing after Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lockPath(dir)); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after Release")
	}
}

func TestAcquireTimesOutWhileHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	if _, err := Acquire(dir, 150*time.Millisecond); err == nil {
		t.Fatal("second Acquire succeeded while the lock is held by a live process")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := lockPath(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// A lock file naming a PID that is certainly not alive.
	staleContent := fmt.Sprintf("%d\n%d\n", 1<<30, time.Now().UTC().Unix())
	if err := os.WriteFile(path, []byte(staleContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lock, err := Acquire(dir, time.Second)
	if err != nil {
		t.Fatalf("Acquire did not reclaim a lock held by a dead PID: %v", err)
	}
	lock.Release()
}

func TestAcquireReclaimsAgedLock(t *testing.T) {
	dir := t.TempDir()
	path := lockPath(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	oldTs := time.Now().Add(-StaleAfter - time.Minute).Unix()
	content := fmt.Sprintf("%d\n%d\n", os.Getpid(), oldTs)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lock, err := Acquire(dir, time.Second)
	if err != nil {
		t.Fatalf("Acquire did not reclaim an aged lock: %v", err)
	}
	lock.Release()
}

func TestReleaseIsNoOpWhenAlreadyRemoved(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	os.Remove(filepath.Join(dir, "merge.lock"))
	if err := lock.Release(); err != nil {
		t.Errorf("Release on an already-removed lock = %v, want nil", err)
	}
}
