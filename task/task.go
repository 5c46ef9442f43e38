// Package task defines the Task entity, its lifecycle statuses, and the
// three store contracts everything else is built on: the priority queue,
// the task record store, and the per-status counters.
package task

import (
	"encoding/json"
	"time"

	"github.com/xraph/sentinel/id"
)

// Status represents the lifecycle status of a task. Transitions are
// monotonic along QUEUED → IN_PROGRESS → {COMPLETED, FAILED}; only the
// redelivery extension moves a record back to QUEUED, and it does so by
// inserting a fresh queue entry for the same id.
type Status string

const (
	// StatusQueued means the task is waiting in the priority queue.
	StatusQueued Status = "QUEUED"
	// StatusInProgress means a worker has claimed the task and is executing it.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted means execution finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means execution failed and the task will not run again.
	StatusFailed Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusInProgress, StatusCompleted, StatusFailed}

// Task represents a unit of work to be processed by a worker. Payload is
// opaque to the scheduler and queue; only the execution strategy interprets
// it. ID, Payload, Priority, and SubmittedAt are immutable after submission.
type Task struct {
	ID          id.TaskID       `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"last_error,omitempty"`
	WorkerID    id.WorkerID     `json:"worker_id,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	// LeaseExpiresAt is set while a task is IN_PROGRESS and leases are
	// enabled; the reaper re-queues records whose lease has lapsed.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
