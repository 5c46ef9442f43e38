// Package scheduler implements the enqueue path: it validates submissions,
// mints task IDs, derives the queue score, and writes the record, queue
// entry, and QUEUED counter.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

// Scheduler accepts task submissions and places them in the queue.
// Safe for concurrent use: all state lives in the injected stores.
type Scheduler struct {
	queue    task.Queue
	records  task.Store
	counters task.Counters

	maxPayloadBytes int
	logger          *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxPayloadBytes sets the payload size limit. Zero disables the check.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Scheduler) { s.maxPayloadBytes = n }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler over the given store contracts.
func New(queue task.Queue, records task.Store, counters task.Counters, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:           queue,
		records:         records,
		counters:        counters,
		maxPayloadBytes: sentinel.DefaultConfig().MaxPayloadBytes,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the submission and enqueues a new task. Validation
// failures (ErrInvalidPriority, ErrPayloadTooLarge) are returned before any
// state is mutated. The task record is written before the queue entry so a
// worker that wins the entry always finds the record in QUEUED.
func (s *Scheduler) Submit(ctx context.Context, payload json.RawMessage, priority int) (*task.Task, error) {
	if priority < task.MinPriority || priority > task.MaxPriority {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			sentinel.ErrInvalidPriority, priority, task.MinPriority, task.MaxPriority)
	}
	if s.maxPayloadBytes > 0 && len(payload) > s.maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			sentinel.ErrPayloadTooLarge, len(payload), s.maxPayloadBytes)
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          id.NewTaskID(),
		Payload:     payload,
		Priority:    priority,
		Status:      task.StatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if err := s.records.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("sentinel/scheduler: create task record: %w", err)
	}
	if err := s.queue.Enqueue(ctx, task.Score(priority, now), t.ID); err != nil {
		return nil, fmt.Errorf("sentinel/scheduler: enqueue task: %w", err)
	}
	if err := s.counters.IncrStatusCount(ctx, task.StatusQueued); err != nil {
		// The entry is already live; the submission stands. Counters converge
		// once the store recovers.
		s.logger.Warn("queued counter increment failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("task queued",
		slog.String("task_id", t.ID.String()),
		slog.Int("priority", priority),
	)
	return t, nil
}
