// Package worker provides the delivery engine — a Runner that drives a
// claimed task through middleware and the pluggable execution strategy and
// records the outcome, and a Pool of goroutines that poll the queue.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/sentinel/backoff"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/middleware"
	"github.com/xraph/sentinel/task"
)

// Executor is the pluggable execution strategy. The core never interprets
// payloads; it hands the claimed task to the Executor and records the
// outcome. Implementations must be safe for concurrent use; a returned
// error marks the attempt failed.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) error
}

// ExecutorFunc adapts an ordinary function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) error { return f(ctx, t) }

// Runner executes a single claimed task through the middleware chain and
// the execution strategy, then applies the resulting status transition and
// counter moves. Claim bookkeeping (QUEUED → IN_PROGRESS) is the Pool's
// job; the Runner owns what happens after.
type Runner struct {
	records  task.Store
	queue    task.Queue
	counters task.Counters
	executor Executor

	maxRetries int
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxRetries enables redelivery: a failed attempt with budget left is
// re-queued instead of marked FAILED. Zero (the default) disables it.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithBackoff sets the redelivery delay strategy.
func WithBackoff(b backoff.Strategy) RunnerOption {
	return func(r *Runner) { r.backoff = b }
}

// WithMiddleware appends middleware to the execution chain.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.mw = middleware.Chain(mws...) }
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(
	records task.Store,
	queue task.Queue,
	counters task.Counters,
	executor Executor,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		records:  records,
		queue:    queue,
		counters: counters,
		executor: executor,
		backoff:  backoff.DefaultStrategy(),
		mw:       middleware.Chain(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a claimed (IN_PROGRESS) task.
// On success: marks COMPLETED and moves the counters.
// On failure with redelivery budget left: re-queues a fresh entry for the
// same id with a backoff-shifted score.
// On failure otherwise: marks FAILED. The execution error itself is
// captured into task state, never returned — the worker loop must survive
// every execution failure. The returned error reports store trouble only.
func (r *Runner) Run(ctx context.Context, t *task.Task) error {
	terminal := func(ctx context.Context) error {
		return r.executor.Execute(ctx, t)
	}

	execErr := r.mw(ctx, t, terminal)

	now := time.Now().UTC()
	t.UpdatedAt = now

	if execErr != nil {
		return r.handleFailure(ctx, t, execErr, now)
	}
	return r.handleSuccess(ctx, t, now)
}

func (r *Runner) handleSuccess(ctx context.Context, t *task.Task, now time.Time) error {
	owner := t.WorkerID
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.LeaseExpiresAt = nil

	applied, err := r.records.UpdateTaskIf(ctx, t, task.UpdateCond{
		Status:   task.StatusInProgress,
		WorkerID: owner,
	})
	if err != nil {
		r.logger.Error("failed to record task completion",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !applied {
		r.discardStale(t, "completion")
		return nil
	}

	r.moveCounter(ctx, t, task.StatusInProgress, task.StatusCompleted)
	return nil
}

func (r *Runner) handleFailure(ctx context.Context, t *task.Task, execErr error, now time.Time) error {
	t.Attempt++
	t.LastError = execErr.Error()

	if t.Attempt <= r.maxRetries {
		return r.requeue(ctx, t, now)
	}

	owner := t.WorkerID
	t.Status = task.StatusFailed
	t.LeaseExpiresAt = nil

	applied, err := r.records.UpdateTaskIf(ctx, t, task.UpdateCond{
		Status:   task.StatusInProgress,
		WorkerID: owner,
	})
	if err != nil {
		r.logger.Error("failed to record task failure",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !applied {
		r.discardStale(t, "failure")
		return nil
	}

	r.moveCounter(ctx, t, task.StatusInProgress, task.StatusFailed)

	r.logger.Warn("task failed permanently",
		slog.String("task_id", t.ID.String()),
		slog.Int("attempt", t.Attempt),
		slog.String("error", execErr.Error()),
	)
	return nil
}

// requeue returns a failed task to the queue as a fresh entry for the same
// id. The backoff delay shifts the entry's score so peers in the same
// priority band submitted meanwhile go first; it is not a hard not-before
// gate.
func (r *Runner) requeue(ctx context.Context, t *task.Task, now time.Time) error {
	delay := r.backoff.Delay(t.Attempt)

	owner := t.WorkerID
	t.Status = task.StatusQueued
	t.WorkerID = id.WorkerID{} // Clear the worker assignment.
	t.StartedAt = nil
	t.LeaseExpiresAt = nil

	applied, err := r.records.UpdateTaskIf(ctx, t, task.UpdateCond{
		Status:   task.StatusInProgress,
		WorkerID: owner,
	})
	if err != nil {
		r.logger.Error("failed to update task for redelivery",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !applied {
		r.discardStale(t, "redelivery")
		return nil
	}

	score := task.Score(t.Priority, now.Add(delay))
	if err := r.queue.Enqueue(ctx, score, t.ID); err != nil {
		r.logger.Error("failed to re-queue task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.moveCounter(ctx, t, task.StatusInProgress, task.StatusQueued)

	r.logger.Info("task re-queued after failure",
		slog.String("task_id", t.ID.String()),
		slog.Int("attempt", t.Attempt),
		slog.Int("max_retries", r.maxRetries),
		slog.Duration("delay", delay),
	)
	return nil
}

// discardStale logs an outcome that lost the race against the reaper: the
// record was re-queued (and possibly re-claimed) while this attempt was
// still executing. The winning claim owns the record and the counters now,
// so the stale outcome must leave both untouched.
func (r *Runner) discardStale(t *task.Task, outcome string) {
	r.logger.Warn("claim no longer held, outcome discarded",
		slog.String("task_id", t.ID.String()),
		slog.String("outcome", outcome),
	)
}

// moveCounter applies the decrement/increment pair for a status transition.
// Counter errors are logged, never propagated: the record is already the
// source of truth and the counters converge once the store recovers.
func (r *Runner) moveCounter(ctx context.Context, t *task.Task, from, to task.Status) {
	if err := r.counters.DecrStatusCount(ctx, from); err != nil {
		r.logger.Warn("counter decrement failed",
			slog.String("task_id", t.ID.String()),
			slog.String("status", string(from)),
			slog.String("error", err.Error()),
		)
	}
	if err := r.counters.IncrStatusCount(ctx, to); err != nil {
		r.logger.Warn("counter increment failed",
			slog.String("task_id", t.ID.String()),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
	}
}
