package retry

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{retryCount: -1, want: 30 * time.Second},
		{retryCount: 0, want: 30 * time.Second},
		{retryCount: 1, want: 60 * time.Second},
		{retryCount: 2, want: 120 * time.Second},
		{retryCount: 3, want: 240 * time.Second},
		{retryCount: 4, want: 300 * time.Second},
		{retryCount: 10, want: 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestExhausted(t *testing.T) {
	if Exhausted(MaxRetries - 1) {
		t.Errorf("Exhausted(%d) = true, want false", MaxRetries-1)
	}
	if !Exhausted(MaxRetries) {
		t.Errorf("Exhausted(%d) = false, want true", MaxRetries)
	}
	if !Exhausted(MaxRetries + 1) {
		t.Errorf("Exhausted(%d) = false, want true", MaxRetries+1)
	}
}
