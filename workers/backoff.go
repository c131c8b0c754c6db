package workers

import (
	"context"
	"time"
)

// Outcome of one call against a remote dependency.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// BackoffPolicy bounds the adaptive delay between calls.
type BackoffPolicy struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	FailureThreshold int // consecutive failures before the delay doubles
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay:     50 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		FailureThreshold: 3,
	}
}

// Backoff is the pacing state carried from one item to the next.
// Delay only grows within a run; success resets the failure streak only.
type Backoff struct {
	ConsecutiveFailures int
	Delay               time.Duration
}

func (p BackoffPolicy) Initial() Backoff {
	return Backoff{Delay: p.InitialDelay}
}

// NextDelay advances the state for outcome and returns how long to wait
// before the next call.
func NextDelay(p BackoffPolicy, s Backoff, o Outcome) (Backoff, time.Duration) {
	if o == Success {
		s.ConsecutiveFailures = 0
		return s, s.Delay
	}

	s.ConsecutiveFailures++
	threshold := p.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if s.ConsecutiveFailures >= threshold {
		next := s.Delay * 2
		if next > p.MaxDelay {
			next = p.MaxDelay
		}
		if next > s.Delay {
			s.Delay = next
		}
	}
	return s, 2 * s.Delay
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
