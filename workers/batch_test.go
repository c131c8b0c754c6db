package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camden-git/eventgallery/progress"
)

type sleepRecorder struct {
	waits []time.Duration
	hook  func(call int)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	if r.hook != nil {
		r.hook(len(r.waits))
	}
	return ctx.Err()
}

// TestRunBatchTwoConsecutiveFailures covers five transfers where the third and
// fourth fail: the streak stays under the threshold so the delay is unchanged.
func TestRunBatchTwoConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	store := progress.NewMemoryStore()
	_ = store.Start(ctx, "g1", 5)

	rec := &sleepRecorder{}
	cfg := BatchConfig{Policy: DefaultBackoffPolicy(), Sleep: rec.sleep}
	items := []int{1, 2, 3, 4, 5}

	res := RunBatch(ctx, cfg, store, "g1", items, func(_ context.Context, n int) error {
		if n == 3 || n == 4 {
			return errors.New("transfer failed")
		}
		return nil
	})

	if res.Imported != 3 || res.Failed != 2 || res.Cancelled {
		t.Fatalf("result = %+v, want 3 imported 2 failed", res)
	}
	if res.FinalBackoff.Delay != 50*time.Millisecond {
		t.Fatalf("final delay = %s, want 50ms", res.FinalBackoff.Delay)
	}
	want := []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("sleeps = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, rec.waits[i], want[i])
		}
	}

	p, _, _ := store.Get(ctx, "g1")
	if p.Status != progress.StatusCompleted || p.Imported != 3 || p.Failed != 2 {
		t.Fatalf("progress = %+v, want completed 3/2", p)
	}
}

// TestRunBatchCancelStopsWork verifies items after the cancel point are never attempted.
func TestRunBatchCancelStopsWork(t *testing.T) {
	ctx := context.Background()
	store := progress.NewMemoryStore()
	_ = store.Start(ctx, "g2", 5)

	rec := &sleepRecorder{hook: func(call int) {
		if call == 2 {
			_, _ = store.Cancel(ctx, "g2")
		}
	}}
	var attempted []int
	res := RunBatch(ctx, BatchConfig{Policy: DefaultBackoffPolicy(), Sleep: rec.sleep}, store, "g2",
		[]int{1, 2, 3, 4, 5}, func(_ context.Context, n int) error {
			attempted = append(attempted, n)
			return nil
		})

	if len(attempted) != 2 || !res.Cancelled {
		t.Fatalf("attempted = %v cancelled %v, want [1 2] and cancelled", attempted, res.Cancelled)
	}
	p, _, _ := store.Get(ctx, "g2")
	if p.Status != progress.StatusCancelled || p.Imported != 2 || p.Failed != 0 {
		t.Fatalf("progress = %+v, want cancelled with 2 imported", p)
	}
}

// TestRunBatchSustainedFailuresGrowDelay checks the delay doubles after the threshold.
func TestRunBatchSustainedFailuresGrowDelay(t *testing.T) {
	ctx := context.Background()
	store := progress.NewMemoryStore()
	_ = store.Start(ctx, "g3", 6)

	rec := &sleepRecorder{}
	res := RunBatch(ctx, BatchConfig{Policy: DefaultBackoffPolicy(), Sleep: rec.sleep}, store, "g3",
		[]string{"a", "b", "c", "d", "e", "f"}, func(context.Context, string) error {
			return errors.New("rate limited")
		})

	if res.Failed != 6 {
		t.Fatalf("Failed = %d, want 6", res.Failed)
	}
	// failures 3..6 each double: 50ms -> 800ms
	if res.FinalBackoff.Delay != 800*time.Millisecond {
		t.Fatalf("final delay = %s, want 800ms", res.FinalBackoff.Delay)
	}
	for i := 1; i < len(rec.waits); i++ {
		if rec.waits[i] < rec.waits[i-1] {
			t.Fatalf("wait %d shrank: %v", i, rec.waits)
		}
	}
}

// TestRunBatchContextCancelled verifies shutdown ends the run as cancelled.
func TestRunBatchContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := progress.NewMemoryStore()
	_ = store.Start(ctx, "g4", 3)

	calls := 0
	res := RunBatch(ctx, BatchConfig{Policy: DefaultBackoffPolicy(), Sleep: SleepContext}, store, "g4",
		[]int{1, 2, 3}, func(context.Context, int) error {
			calls++
			cancel()
			return nil
		})

	if calls != 1 || !res.Cancelled {
		t.Fatalf("calls = %d cancelled %v, want 1 and cancelled", calls, res.Cancelled)
	}
	p, _, _ := store.Get(context.Background(), "g4")
	if p.Status != progress.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", p.Status)
	}
}
