package workers

import (
	"testing"
	"time"
)

// TestNextDelaySuccessKeepsDelay verifies success only resets the failure streak.
func TestNextDelaySuccessKeepsDelay(t *testing.T) {
	p := DefaultBackoffPolicy()
	s := Backoff{ConsecutiveFailures: 2, Delay: 400 * time.Millisecond}

	next, wait := NextDelay(p, s, Success)
	if next.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", next.ConsecutiveFailures)
	}
	if next.Delay != 400*time.Millisecond || wait != 400*time.Millisecond {
		t.Fatalf("delay/wait = %s/%s, want 400ms/400ms", next.Delay, wait)
	}
}

// TestNextDelayDoublesAtThreshold walks a failure streak across the threshold.
func TestNextDelayDoublesAtThreshold(t *testing.T) {
	p := DefaultBackoffPolicy()
	s := p.Initial()

	tests := []struct {
		wantFailures int
		wantDelay    time.Duration
		wantWait     time.Duration
	}{
		{1, 50 * time.Millisecond, 100 * time.Millisecond},
		{2, 50 * time.Millisecond, 100 * time.Millisecond},
		{3, 100 * time.Millisecond, 200 * time.Millisecond},
		{4, 200 * time.Millisecond, 400 * time.Millisecond},
	}
	for i, tt := range tests {
		var wait time.Duration
		s, wait = NextDelay(p, s, Failure)
		if s.ConsecutiveFailures != tt.wantFailures || s.Delay != tt.wantDelay || wait != tt.wantWait {
			t.Fatalf("step %d: state = %+v wait %s, want failures %d delay %s wait %s",
				i, s, wait, tt.wantFailures, tt.wantDelay, tt.wantWait)
		}
	}
}

// TestNextDelayCapsAtMax verifies the delay never passes the ceiling or shrinks.
func TestNextDelayCapsAtMax(t *testing.T) {
	p := DefaultBackoffPolicy()
	s := p.Initial()
	prev := s.Delay
	for i := 0; i < 50; i++ {
		s, _ = NextDelay(p, s, Failure)
		if s.Delay < prev {
			t.Fatalf("delay decreased from %s to %s", prev, s.Delay)
		}
		prev = s.Delay
	}
	if s.Delay != p.MaxDelay {
		t.Fatalf("Delay = %s, want cap %s", s.Delay, p.MaxDelay)
	}

	s, wait := NextDelay(p, s, Success)
	if s.Delay != p.MaxDelay || wait != p.MaxDelay {
		t.Fatalf("success after cap: delay %s wait %s, want %s", s.Delay, wait, p.MaxDelay)
	}
}

// TestNextDelayInterleavedFailuresNeverDouble checks that a streak broken by
// success stays below the threshold.
func TestNextDelayInterleavedFailuresNeverDouble(t *testing.T) {
	p := DefaultBackoffPolicy()
	s := p.Initial()
	for _, o := range []Outcome{Failure, Failure, Success, Failure, Failure, Success} {
		s, _ = NextDelay(p, s, o)
	}
	if s.Delay != p.InitialDelay {
		t.Fatalf("Delay = %s, want %s", s.Delay, p.InitialDelay)
	}
}
