// Package store defines the aggregate persistence interface. The task
// package defines the three store contracts (queue, records, counters);
// the composite Store composes them with lifecycle operations. Backends:
// Redis, Postgres, and Memory.
package store

import (
	"context"

	"github.com/xraph/sentinel/task"
)

// Store is the aggregate persistence interface. A single backend implements
// all three contracts so the queue, records, and counters share one
// connection and one failure domain.
type Store interface {
	task.Queue
	task.Store
	task.Counters

	// Migrate runs schema migrations (no-op for schemaless backends).
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
