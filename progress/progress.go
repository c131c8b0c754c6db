// Package progress tracks the live state of one in-flight bulk run per job.
//
// Records are independent of the durable gallery row so polling clients get
// per-item feedback without hitting the primary store. A record is created by
// Start, mutated by Update while running, and stays readable after it reaches
// a terminal status until Clear removes it.
package progress

import (
	"context"
	"time"
)

const (
	// StatusIdle is reported for a job that has no record.
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Progress is a snapshot of one run.
type Progress struct {
	JobID       string `json:"job_id"`
	Total       int    `json:"total"`
	Imported    int    `json:"imported"`
	Failed      int    `json:"failed"`
	Cancelled   bool   `json:"cancelled"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	StartedAt   int64  `json:"started_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// Idle is the value reported for a job with no recorded run.
func Idle(jobID string) Progress {
	return Progress{JobID: jobID, Status: StatusIdle}
}

// Running reports whether the run still accepts updates.
func (p Progress) Running() bool {
	return p.Status == StatusRunning
}

// Done is the number of items attempted so far.
func (p Progress) Done() int {
	return p.Imported + p.Failed
}

// Delta is a partial counter increment. Negative values are ignored.
type Delta struct {
	Imported int
	Failed   int
}

// Store is the contract shared by the in-process and redis backends.
// Mutations of a missing or terminal record are silently dropped.
type Store interface {
	Start(ctx context.Context, jobID string, total int) error
	Update(ctx context.Context, jobID string, delta Delta) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	// Cancel flags a running record; it reports false when nothing is running.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// Get returns found=false when there is no record for jobID.
	Get(ctx context.Context, jobID string) (Progress, bool, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

func newRecord(jobID string, total int, now time.Time) Progress {
	if total < 0 {
		total = 0
	}
	ts := now.Unix()
	return Progress{
		JobID:     jobID,
		Total:     total,
		Status:    StatusRunning,
		StartedAt: ts,
		UpdatedAt: ts,
	}
}

// applyDelta adds the non-negative parts of d, never letting Done exceed Total.
func applyDelta(p *Progress, d Delta, now time.Time) bool {
	if !p.Running() {
		return false
	}
	remaining := p.Total - p.Done()
	if d.Imported > 0 {
		add := min(d.Imported, remaining)
		p.Imported += add
		remaining -= add
	}
	if d.Failed > 0 {
		p.Failed += min(d.Failed, remaining)
	}
	p.UpdatedAt = now.Unix()
	return true
}

func finish(p *Progress, status, reason string, now time.Time) bool {
	if !p.Running() {
		return false
	}
	if status == StatusCompleted && p.Cancelled {
		status = StatusCancelled
	}
	ts := now.Unix()
	p.Status = status
	p.Reason = reason
	p.UpdatedAt = ts
	p.CompletedAt = &ts
	return true
}

func markCancelled(p *Progress, now time.Time) bool {
	if !p.Running() {
		return false
	}
	p.Cancelled = true
	p.UpdatedAt = now.Unix()
	return true
}
