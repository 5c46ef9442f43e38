package task

import (
	"context"
	"time"

	"github.com/xraph/sentinel/id"
)

// Queue is the priority queue store: an ordered collection of
// (score, task id) entries shared by all producers and consumers.
type Queue interface {
	// Enqueue inserts an entry. Re-enqueueing an id that is already present
	// replaces its score, preserving the at-most-one-live-entry invariant.
	Enqueue(ctx context.Context, score float64, taskID id.TaskID) error

	// DequeueMin atomically removes and returns the entry with the lowest
	// score. ok is false when the queue is empty. The removal must be atomic
	// with respect to concurrent callers: two calls never return the same
	// task id. This is the single correctness-critical operation in the
	// system — it is what prevents two workers from claiming one entry.
	DequeueMin(ctx context.Context) (taskID id.TaskID, ok bool, err error)

	// Size returns the number of waiting entries. The value may be stale by
	// the time the caller acts on it; it is for reporting only, never for
	// control decisions.
	Size(ctx context.Context) (int64, error)
}

// Store is the task record store, keyed by task id. It is mutated by the
// scheduler (record creation) and by whichever worker claims the task.
type Store interface {
	// CreateTask persists a new record. The scheduler writes the record
	// before the queue entry, so a worker that dequeues an id always finds
	// its record.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a record by id.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing record.
	UpdateTask(ctx context.Context, t *Task) error

	// UpdateTaskIf persists changes only while the stored record still
	// matches cond, and reports whether the update applied. A missing or
	// non-matching record reads as a lost race, not an error. Every
	// transition out of IN_PROGRESS races the reaper (and other reapers),
	// so those transitions must go through here: the loser of the race
	// must not move counters or re-queue.
	UpdateTaskIf(ctx context.Context, t *Task, cond UpdateCond) (bool, error)

	// RenewLease extends the lease on an IN_PROGRESS record, indicating the
	// claiming worker is still alive. Returns ErrTaskNotFound when no
	// IN_PROGRESS record with that id exists: a claim the reaper has
	// already re-queued must not get its lease back.
	RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, until time.Time) error

	// ExpiredTasks returns IN_PROGRESS records whose lease lapsed before
	// now, i.e. whose worker is presumed dead.
	ExpiredTasks(ctx context.Context, now time.Time) ([]*Task, error)
}

// UpdateCond guards a conditional record update. Status is always checked;
// WorkerID is checked when non-nil, LeaseExpiresAt when non-nil. The reaper
// conditions on the lease stamp it observed, a worker on its own claim.
type UpdateCond struct {
	Status         Status
	WorkerID       id.WorkerID
	LeaseExpiresAt *time.Time
}

// Counts holds the per-status task counters. JSON keys match the wire
// format of the stats endpoint.
type Counts struct {
	Queued     int64 `json:"QUEUED"`
	InProgress int64 `json:"IN_PROGRESS"`
	Completed  int64 `json:"COMPLETED"`
	Failed     int64 `json:"FAILED"`
}

// Of returns the counter value for the given status.
func (c Counts) Of(s Status) int64 {
	switch s {
	case StatusQueued:
		return c.Queued
	case StatusInProgress:
		return c.InProgress
	case StatusCompleted:
		return c.Completed
	case StatusFailed:
		return c.Failed
	}
	return 0
}

// Counters tracks how many tasks are in each status. Each increment and
// decrement is individually atomic and durable; the pair of moves around a
// status transition is not transactional, so readers may observe a brief
// skew between the four counters. The skew converges as soon as both writes
// land.
type Counters interface {
	IncrStatusCount(ctx context.Context, s Status) error
	DecrStatusCount(ctx context.Context, s Status) error
	StatusCounts(ctx context.Context) (Counts, error)
}
