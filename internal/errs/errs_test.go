package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Transient, "launching agent", cause)

	if !Is(err, Transient) {
		t.Errorf("Is(err, Transient) = false, want true")
	}
	if Is(err, Domain) {
		t.Errorf("Is(err, Domain) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true (Unwrap should expose cause)")
	}

	wrapped := fmt.Errorf("reconciling stage x: %w", err)
	if !Is(wrapped, Transient) {
		t.Errorf("Is(wrapped, Transient) = false, want true through fmt.Errorf wrapping")
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Transient, "transient"},
		{Context, "context"},
		{Domain, "domain"},
		{Structural, "structural"},
		{Fatal, "fatal"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestIsOnPlainError(t *testing.T) {
	if Is(errors.New("plain"), Transient) {
		t.Errorf("Is on a plain error should be false")
	}
}

func TestCorruptFileError(t *testing.T) {
	cause := errors.New("yaml: bad indentation")
	err := &CorruptFileError{Path: "/tmp/state/stages/01-foo.md", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if got := err.Error(); got == "" {
		t.Errorf("Error() returned empty string")
	}
}
