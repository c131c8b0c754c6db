package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/camden-git/eventgallery/progress"
)

type BatchConfig struct {
	Policy BackoffPolicy
	// Sleep defaults to SleepContext. A non-nil error ends the run as cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
}

type BatchResult struct {
	Imported     int
	Failed       int
	Attempted    int
	Cancelled    bool
	FinalBackoff Backoff
}

// RunBatch applies op to items in order, one at a time, reporting each
// outcome to store under jobID. The cancel flag and ctx are checked before
// every item; remaining items are left untouched once either is set. The
// progress record is completed on exit.
func RunBatch[T any](ctx context.Context, cfg BatchConfig, store progress.Store, jobID string, items []T, op func(ctx context.Context, item T) error) BatchResult {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	state := cfg.Policy.Initial()
	var res BatchResult

	for i, item := range items {
		if stopRequested(ctx, store, jobID) {
			res.Cancelled = true
			break
		}

		res.Attempted++
		outcome := Success
		if err := op(ctx, item); err != nil {
			outcome = Failure
			res.Failed++
			slog.Warn("batch item failed", "job_id", jobID, "index", i, "error", err)
			reportDelta(ctx, store, jobID, progress.Delta{Failed: 1})
		} else {
			res.Imported++
			reportDelta(ctx, store, jobID, progress.Delta{Imported: 1})
		}

		var wait time.Duration
		state, wait = NextDelay(cfg.Policy, state, outcome)
		if i == len(items)-1 {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			res.Cancelled = true
			break
		}
	}
	res.FinalBackoff = state

	if res.Cancelled && ctx.Err() != nil {
		// context shutdown without an explicit cancel; flag it so the
		// record ends as cancelled rather than completed
		if _, err := store.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
			slog.Error("failed to flag cancelled batch", "job_id", jobID, "error", err)
		}
	}
	if err := store.Complete(context.WithoutCancel(ctx), jobID); err != nil {
		slog.Error("failed to complete batch progress", "job_id", jobID, "error", err)
	}

	slog.Info("batch finished", "job_id", jobID, "imported", res.Imported, "failed", res.Failed,
		"attempted", res.Attempted, "total", len(items), "cancelled", res.Cancelled, "delay", res.FinalBackoff.Delay)
	return res
}

func stopRequested(ctx context.Context, store progress.Store, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	cancelled, err := store.IsCancelled(ctx, jobID)
	if err != nil {
		slog.Warn("failed to read cancel flag, continuing", "job_id", jobID, "error", err)
		return false
	}
	return cancelled
}

func reportDelta(ctx context.Context, store progress.Store, jobID string, d progress.Delta) {
	if err := store.Update(ctx, jobID, d); err != nil {
		slog.Warn("failed to report batch progress", "job_id", jobID, "error", err)
	}
}
