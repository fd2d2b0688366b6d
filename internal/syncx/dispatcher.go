package syncx

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/token"
	"github.com/inboxloop/mailsync/internal/userlock"
)

// Task is one unit of sync work extracted from a webhook delivery.
type Task struct {
	UserID    string
	HistoryID string
}

// Dispatcher fans webhook-driven sync tasks out to a fixed worker pool.
// Each task runs under the user's lock, so duplicate webhooks for one user
// serialize: the first does the work, the rest no-op on the cursor check.
type Dispatcher struct {
	engine  *Engine
	locker  userlock.Locker
	logger  *zap.Logger
	tasks   chan Task
	workers int
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given pool size and queue
// capacity.
func NewDispatcher(engine *Engine, locker userlock.Locker, logger *zap.Logger, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		engine:  engine,
		locker:  locker,
		logger:  logger.With(zap.String("component", "dispatcher")),
		tasks:   make(chan Task, queueSize),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when the queue is closed or
// the context ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.workers))
}

// Enqueue submits a sync task without blocking. A full queue drops the task
// with a warning; the provider's retry or the next webhook self-heals.
func (d *Dispatcher) Enqueue(userID, historyID string) bool {
	select {
	case d.tasks <- Task{UserID: userID, HistoryID: historyID}:
		return true
	default:
		d.logger.Warn("task queue full, dropping sync task",
			zap.String("user_id", userID),
			zap.String("history_id", historyID))
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() { close(d.tasks) })
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.tasks:
			if !ok {
				return
			}
			d.run(ctx, task)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, task Task) {
	err := d.locker.WithUserLock(ctx, task.UserID, func(ctx context.Context) error {
		return d.engine.Sync(ctx, task.UserID, task.HistoryID)
	})
	switch {
	case err == nil:
	case errors.Is(err, token.ErrCredentialRevoked):
		d.logger.Warn("sync task aborted, reconnect required",
			zap.String("user_id", task.UserID))
	case errors.Is(err, context.Canceled):
	default:
		// Dropped after retries; the mailbox self-heals on the next
		// webhook or reconciliation sweep.
		d.logger.Error("sync task failed",
			zap.String("user_id", task.UserID),
			zap.String("history_id", task.HistoryID),
			zap.Error(err))
	}
}
