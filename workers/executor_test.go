package workers

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestExecutorRejectsDuplicateKey verifies only one task per key runs at a time.
func TestExecutorRejectsDuplicateKey(t *testing.T) {
	e := NewExecutor()
	defer e.Stop()

	release := make(chan struct{})
	if err := e.Submit("process:1", func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !e.IsRunning("process:1") {
		t.Fatal("IsRunning = false for live task")
	}
	if err := e.Submit("process:1", func(context.Context) {}); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("second Submit err = %v, want ErrTaskRunning", err)
	}
	if err := e.Submit("process:2", func(context.Context) {}); err != nil {
		t.Fatalf("other key Submit: %v", err)
	}

	close(release)
	e.Wait()
	if e.IsRunning("process:1") {
		t.Fatal("key still marked running after task returned")
	}
}

// TestExecutorRecoversPanic verifies a panicking task frees its key.
func TestExecutorRecoversPanic(t *testing.T) {
	e := NewExecutor()
	defer e.Stop()

	if err := e.Submit("boom", func(context.Context) { panic("detector crashed") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()
	if err := e.Submit("boom", func(context.Context) {}); err != nil {
		t.Fatalf("resubmit after panic: %v", err)
	}
	e.Wait()
}

// TestExecutorStopCancelsTasks checks Stop cancels the task context and blocks new work.
func TestExecutorStopCancelsTasks(t *testing.T) {
	e := NewExecutor()
	done := make(chan struct{})
	_ = e.Submit("long", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	e.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled by Stop")
	}
	if err := e.Submit("late", func(context.Context) {}); !errors.Is(err, ErrExecutorStopped) {
		t.Fatalf("Submit after Stop err = %v, want ErrExecutorStopped", err)
	}
}
