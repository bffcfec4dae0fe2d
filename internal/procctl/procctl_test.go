package procctl

import (
	"os"
	"testing"
)

func TestIsAliveCurrentProcess(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Error("IsAlive(os.Getpid()) = false, want true")
	}
}

func TestIsAliveInvalidPID(t *testing.T) {
	if IsAlive(0) {
		t.Error("IsAlive(0) = true, want false")
	}
	if IsAlive(-1) {
		t.Error("IsAlive(-1) = true, want false")
	}
}

func TestIsAliveExitedProcess(t *testing.T) {
	// A PID far beyond any realistic live process, to exercise the
	// not-found branch without racing a real process table.
	if IsAlive(1 << 30) {
		t.Error("IsAlive on an implausible PID = true, want false")
	}
}

func TestShellJoinQuotesArguments(t *testing.T) {
	got := shellJoin("claude", []string{"--flag", "a value with spaces", "it's quoted"})
	want := `'claude' '--flag' 'a value with spaces' 'it'\''s quoted'`
	if got != want {
		t.Errorf("shellJoin = %q, want %q", got, want)
	}
}

func TestLaunchRunsCommandAndReportsExit(t *testing.T) {
	h, err := Launch(LaunchSpec{
		Command: "true",
		WorkDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := h.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil for a zero exit", err)
	}
	if !h.Done() {
		t.Error("Done() = false after Wait returned")
	}
}

func TestLaunchReportsNonZeroExit(t *testing.T) {
	h, err := Launch(LaunchSpec{
		Command: "false",
		WorkDir: os.TempDir(),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := h.Wait(); err == nil {
		t.Error("Wait() = nil, want a non-nil error for a non-zero exit")
	}
}
