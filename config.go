package sentinel

import "time"

// Config holds configuration for the Sentinel coordinator.
type Config struct {
	// Concurrency is the number of worker goroutines polling the queue.
	Concurrency int

	// PollInterval is how long an idle worker waits before polling the
	// queue again. Applies both to empty-queue polls and to backoff after
	// a store error.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxPayloadBytes is the submission payload size limit. Oversized
	// payloads are rejected with ErrPayloadTooLarge.
	MaxPayloadBytes int

	// MaxRetries is how many times a failed task is re-queued before it is
	// marked FAILED. Zero disables redelivery: a task that fails its single
	// attempt goes straight to FAILED.
	MaxRetries int

	// LeaseTTL is how long a claimed task may go without a lease renewal
	// before the reaper returns it to the queue. Zero disables leases; a
	// worker that dies mid-task then leaves its record IN_PROGRESS until an
	// operator intervenes.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often workers renew leases on their active
	// tasks. Only meaningful when LeaseTTL is set.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults. Redelivery and
// leases are off by default.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		MaxPayloadBytes:   256 << 10,
		MaxRetries:        0,
		LeaseTTL:          0,
		HeartbeatInterval: 10 * time.Second,
	}
}
