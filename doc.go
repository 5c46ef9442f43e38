// Package sentinel provides a priority task-scheduling and delivery
// subsystem for Go. Tasks are submitted with an opaque payload and a
// priority, ordered by a derived score in a shared priority queue, and
// claimed by polling workers with at-least-once delivery semantics.
//
// Sentinel is designed as a library, not a service. Import it, configure a
// store, and plug in an execution strategy.
//
// # Quick Start
//
//	s, err := sentinel.New(
//	    sentinel.WithStore(redisStore),
//	    sentinel.WithConcurrency(8),
//	)
//
// # Architecture
//
// Three store contracts back the system: a priority queue (score-ordered
// entries with an atomic pop-minimum), a task record store (lifecycle
// state keyed by task id), and per-status counters. A single backend
// (Redis, Postgres, or memory) implements all of them. Workers coordinate
// only through the store: the atomic pop-minimum is what guarantees a
// queue entry is claimed by at most one worker.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers. K-sortability doubles as the FIFO tie-break for queue
// entries that land on the same score.
package sentinel
