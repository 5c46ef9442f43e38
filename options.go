package sentinel

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Sentinel.
type Option func(*Sentinel) error

// Storer is the minimal store interface held by the coordinator. It covers
// lifecycle operations only. The full composite interface (store.Store) is
// used in subsystem layers that don't create import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Sentinel is the central coordinator for task intake and delivery. It owns
// the store and worker pool lifecycle; the scheduler, worker, and stats
// subsystems are constructed against the store's contracts and attached via
// SetPool.
type Sentinel struct {
	config Config
	logger *slog.Logger
	store  Storer
	pool   poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a Sentinel with the given options.
func New(opts ...Option) (*Sentinel, error) {
	s := &Sentinel{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Logger returns the coordinator's logger.
func (s *Sentinel) Logger() *slog.Logger { return s.logger }

// Store returns the coordinator's store.
func (s *Sentinel) Store() Storer { return s.store }

// Config returns a copy of the coordinator's configuration.
func (s *Sentinel) Config() Config { return s.config }

// SetPool attaches the worker pool (called by the wiring layer).
func (s *Sentinel) SetPool(p poolRunner) { s.pool = p }

// Start begins task processing.
func (s *Sentinel) Start(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	if s.pool != nil {
		if err := s.pool.Start(ctx); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// Stop gracefully shuts down the coordinator: workers drain their current
// task, then the store is closed.
func (s *Sentinel) Stop(ctx context.Context) error {
	if s.pool != nil && s.started {
		if err := s.pool.Stop(ctx); err != nil {
			s.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(s *Sentinel) error {
		s.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how long idle workers wait between polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Sentinel) error {
		s.config.PollInterval = d
		return nil
	}
}

// WithMaxPayloadBytes sets the submission payload size limit.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Sentinel) error {
		s.config.MaxPayloadBytes = n
		return nil
	}
}

// WithMaxRetries enables redelivery of failed tasks, up to n re-queues per
// task. The base design ships with zero.
func WithMaxRetries(n int) Option {
	return func(s *Sentinel) error {
		s.config.MaxRetries = n
		return nil
	}
}

// WithLeaseTTL enables lease-based crash recovery: claimed tasks carry a
// lease that workers renew, and the reaper re-queues expired claims.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Sentinel) error {
		s.config.LeaseTTL = d
		return nil
	}
}

// WithHeartbeatInterval sets how often workers renew leases on their active
// tasks. Meaningful only with a lease TTL, and should be well under it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Sentinel) error {
		s.config.HeartbeatInterval = d
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sentinel) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; typically it will be a store.Store which embeds all three
// store contracts.
func WithStore(st Storer) Option {
	return func(s *Sentinel) error {
		s.store = st
		return nil
	}
}
