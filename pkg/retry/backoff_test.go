package retry

import (
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		MaxAttempts:  5,
	}
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute}, // 64s would exceed MaxDelay, capped
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffClampsNonPositiveAttempt(t *testing.T) {
	p := testPolicy()
	if got := p.Backoff(0); got != time.Second {
		t.Errorf("Backoff(0) = %v, want %v", got, time.Second)
	}
	if got := p.Backoff(-3); got != time.Second {
		t.Errorf("Backoff(-3) = %v, want %v", got, time.Second)
	}
}

func TestIsTerminal(t *testing.T) {
	p := testPolicy()
	cases := []struct {
		attempt int
		want    bool
	}{
		{1, false},
		{4, false},
		{5, true},
		{6, true},
	}
	for _, c := range cases {
		if got := p.IsTerminal(c.attempt); got != c.want {
			t.Errorf("IsTerminal(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
