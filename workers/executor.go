package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	ErrTaskRunning     = errors.New("a task is already running for this key")
	ErrExecutorStopped = errors.New("executor is stopped")
)

// Executor runs detached background tasks, at most one per key. Tasks get a
// context that is cancelled by Stop; a panicking task is logged and released.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc

	Wg      sync.WaitGroup
	Mutex   sync.Mutex
	Pending map[string]bool
	stopped bool
}

func NewExecutor() *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		ctx:     ctx,
		cancel:  cancel,
		Pending: make(map[string]bool),
	}
}

// Submit starts task in its own goroutine and returns immediately.
func (e *Executor) Submit(key string, task func(ctx context.Context)) error {
	e.Mutex.Lock()
	if e.stopped {
		e.Mutex.Unlock()
		return ErrExecutorStopped
	}
	if e.Pending[key] {
		e.Mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskRunning, key)
	}
	e.Pending[key] = true
	e.Wg.Add(1)
	e.Mutex.Unlock()

	go func() {
		defer e.Wg.Done()
		defer func() {
			e.Mutex.Lock()
			delete(e.Pending, key)
			e.Mutex.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		slog.Debug("background task started", "key", key)
		task(e.ctx)
		slog.Debug("background task finished", "key", key)
	}()
	return nil
}

func (e *Executor) IsRunning(key string) bool {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	return e.Pending[key]
}

// Wait blocks until every submitted task has returned.
func (e *Executor) Wait() {
	e.Wg.Wait()
}

// Stop cancels running tasks, rejects new ones and waits for the rest to exit.
func (e *Executor) Stop() {
	e.Mutex.Lock()
	e.stopped = true
	e.Mutex.Unlock()
	e.cancel()
	e.Wg.Wait()
	slog.Info("background executor stopped")
}
