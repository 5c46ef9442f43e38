package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

// Pool manages a set of concurrent worker goroutines that poll the priority
// queue, claim tasks, and execute them through the Runner. Workers share no
// in-process mutable state with each other; all coordination goes through
// the queue's atomic pop-minimum and the record store.
type Pool struct {
	queue    task.Queue
	records  task.Store
	counters task.Counters
	runner   *Runner

	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Lease configuration. Zero leaseTTL disables leases, heartbeats, and
	// the reaper: a worker that dies mid-task then leaves its record
	// IN_PROGRESS forever.
	leaseTTL          time.Duration
	heartbeatInterval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// active tracks task ids currently executing on this pool, for lease
	// renewal.
	active   map[string]struct{}
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long idle workers wait before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseTTL enables lease-based crash recovery with the given claim
// lifetime. A zero value disables it.
func WithLeaseTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithHeartbeatInterval sets how often active leases are renewed.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// NewPool creates a worker pool.
func NewPool(
	queue task.Queue,
	records task.Store,
	counters task.Counters,
	runner *Runner,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		queue:             queue,
		records:           records,
		counters:          counters,
		runner:            runner,
		concurrency:       4,
		pollInterval:      500 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		stopCh:            make(chan struct{}),
		active:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	if p.leaseTTL > 0 && p.heartbeatInterval >= p.leaseTTL {
		// Safe but noisy: live claims will lapse and be re-delivered.
		p.logger.Warn("heartbeat interval not shorter than lease TTL, live claims will be re-queued",
			slog.Duration("heartbeat_interval", p.heartbeatInterval),
			slog.Duration("lease_ttl", p.leaseTTL),
		)
	}

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.leaseTTL > 0 && p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.leaseTTL > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to drain. Execution
// is not preemptible: a worker mid-task finishes that task. If the context
// expires first, Stop returns with workers still draining.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out with tasks still executing")
		return ctx.Err()
	}
}

// dequeueLoop is run by each worker goroutine: claim, execute, repeat.
// Empty queues and store errors both back off by the poll interval — the
// loop never busy-spins and never exits on an execution failure.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		taskID, ok, err := p.queue.DequeueMin(context.Background())
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if !ok {
			p.sleep()
			continue
		}

		t, err := p.records.GetTask(context.Background(), taskID)
		if err != nil {
			if errors.Is(err, sentinel.ErrTaskNotFound) {
				// Should not happen: the scheduler writes the record before
				// the queue entry. Drop the id rather than wedge the loop.
				p.logger.Warn("orphaned queue entry, no record for dequeued task",
					slog.String("task_id", taskID.String()),
				)
				continue
			}
			p.logger.Error("failed to load dequeued task",
				slog.String("task_id", taskID.String()),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}

		if err := p.claim(t); err != nil {
			p.logger.Error("failed to claim task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			// The dequeue already consumed the entry; put it back so a
			// transient store error does not strand the task.
			p.restoreEntry(t)
			p.sleep()
			continue
		}

		p.trackTask(t.ID.String())
		// Run records execution failures into task state; an error here
		// means the store itself misbehaved, which is already logged.
		_ = p.runner.Run(context.Background(), t)
		p.untrackTask(t.ID.String())
	}
}

// claim transitions a dequeued task to IN_PROGRESS and moves the counters.
// The queue entry is already consumed, so the claim itself is uncontended;
// this only records who is running it and since when.
func (p *Pool) claim(t *task.Task) error {
	now := time.Now().UTC()
	t.Status = task.StatusInProgress
	t.StartedAt = &now
	t.UpdatedAt = now
	t.WorkerID = p.workerID
	if p.leaseTTL > 0 {
		until := now.Add(p.leaseTTL)
		t.LeaseExpiresAt = &until
	}

	if err := p.records.UpdateTask(context.Background(), t); err != nil {
		return err
	}

	p.runner.moveCounter(context.Background(), t, task.StatusQueued, task.StatusInProgress)
	return nil
}

// restoreEntry re-inserts a dequeued id whose claim failed. The original
// submission-time score keeps the task's place in line.
func (p *Pool) restoreEntry(t *task.Task) {
	score := task.Score(t.Priority, t.SubmittedAt)
	if err := p.queue.Enqueue(context.Background(), score, t.ID); err != nil {
		p.logger.Error("failed to restore queue entry after claim error",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop periodically renews leases for all tasks active on this pool.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.renewLeases()
		}
	}
}

func (p *Pool) renewLeases() {
	p.activeMu.Lock()
	taskIDs := make([]string, 0, len(p.active))
	for tid := range p.active {
		taskIDs = append(taskIDs, tid)
	}
	p.activeMu.Unlock()

	until := time.Now().UTC().Add(p.leaseTTL)
	for _, tidStr := range taskIDs {
		tid, parseErr := id.ParseTaskID(tidStr)
		if parseErr != nil {
			p.logger.Warn("lease renewal: invalid task id", slog.String("task_id", tidStr))
			continue
		}
		if err := p.records.RenewLease(context.Background(), tid, p.workerID, until); err != nil {
			p.logger.Warn("lease renewal failed",
				slog.String("task_id", tidStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically re-queues IN_PROGRESS tasks whose lease expired,
// i.e. tasks claimed by a worker that has since died.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.leaseTTL)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	now := time.Now().UTC()
	expired, err := p.records.ExpiredTasks(context.Background(), now)
	if err != nil {
		p.logger.Error("lease reap error", slog.String("error", err.Error()))
		return
	}

	for _, t := range expired {
		stamp := t.LeaseExpiresAt
		t.Status = task.StatusQueued
		t.WorkerID = id.WorkerID{}
		t.StartedAt = nil
		t.LeaseExpiresAt = nil
		t.UpdatedAt = now

		// Condition on the lapsed lease stamp: a slow-but-alive worker may
		// finish (or renew) between the expiry scan and this reset, and
		// another pool's reaper may be racing on the same record. Exactly
		// one of those writers wins; the losers must not touch the queue
		// or the counters.
		applied, err := p.records.UpdateTaskIf(context.Background(), t, task.UpdateCond{
			Status:         task.StatusInProgress,
			LeaseExpiresAt: stamp,
		})
		if err != nil {
			p.logger.Error("reap: failed to reset expired task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !applied {
			continue
		}

		if err := p.queue.Enqueue(context.Background(), task.Score(t.Priority, now), t.ID); err != nil {
			p.logger.Error("reap: failed to re-queue expired task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.runner.moveCounter(context.Background(), t, task.StatusInProgress, task.StatusQueued)

		p.logger.Info("re-queued task with expired lease",
			slog.String("task_id", t.ID.String()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID string) {
	p.activeMu.Lock()
	p.active[taskID] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID string) {
	p.activeMu.Lock()
	delete(p.active, taskID)
	p.activeMu.Unlock()
}
