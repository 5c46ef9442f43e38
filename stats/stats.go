// Package stats aggregates queue depth and per-status task counts for
// external reporting.
package stats

import (
	"context"
	"fmt"

	"github.com/xraph/sentinel/task"
)

// Stats is a point-in-time approximation of system state. The queue size
// and the counters are read separately from live state with no isolation
// against concurrent writers, so the numbers may be mutually inconsistent
// for a moment; callers must not use them for control decisions.
type Stats struct {
	QueueSize    int64       `json:"queue_size"`
	StatusCounts task.Counts `json:"status_counts"`
}

// Aggregator reads aggregate state. It never blocks writers.
type Aggregator struct {
	queue    task.Queue
	counters task.Counters
}

// New creates an Aggregator over the given store contracts.
func New(queue task.Queue, counters task.Counters) *Aggregator {
	return &Aggregator{queue: queue, counters: counters}
}

// Snapshot returns the current queue size and status counters.
func (a *Aggregator) Snapshot(ctx context.Context) (*Stats, error) {
	size, err := a.queue.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("sentinel/stats: queue size: %w", err)
	}

	counts, err := a.counters.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("sentinel/stats: status counts: %w", err)
	}

	return &Stats{QueueSize: size, StatusCounts: counts}, nil
}
