// Package memory implements store.Store fully in memory. Safe for
// concurrent access. Intended for unit testing and development: every
// operation takes the same mutex, which trivially satisfies the atomic
// pop-minimum contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

// Compile-time checks for the three store contracts.
var (
	_ task.Queue    = (*Store)(nil)
	_ task.Store    = (*Store)(nil)
	_ task.Counters = (*Store)(nil)
)

// queueEntry is one (score, member) pair in the ordered queue.
type queueEntry struct {
	score  float64
	member string
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	// entries is kept sorted by (score, member). Members are task id
	// strings; TypeIDs are K-sortable, so the member tie-break preserves
	// submission order for equal scores.
	entries []queueEntry
	tasks   map[string]*task.Task
	counts  map[task.Status]int64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		tasks:  make(map[string]*task.Task),
		counts: make(map[task.Status]int64),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

// Enqueue inserts an entry, replacing the score of an existing member.
func (m *Store) Enqueue(_ context.Context, score float64, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	member := taskID.String()
	for i, e := range m.entries {
		if e.member == member {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}

	at := sort.Search(len(m.entries), func(i int) bool {
		e := m.entries[i]
		if e.score != score {
			return e.score > score
		}
		return e.member > member
	})
	m.entries = append(m.entries, queueEntry{})
	copy(m.entries[at+1:], m.entries[at:])
	m.entries[at] = queueEntry{score: score, member: member}
	return nil
}

// DequeueMin atomically removes and returns the lowest-scored entry.
func (m *Store) DequeueMin(_ context.Context) (id.TaskID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return id.Nil, false, nil
	}
	head := m.entries[0]
	m.entries = m.entries[1:]

	tid, err := id.ParseTaskID(head.member)
	if err != nil {
		return id.Nil, false, err
	}
	return tid, true, nil
}

// Size returns the number of waiting entries.
func (m *Store) Size(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// ──────────────────────────────────────────────────
// Task records
// ──────────────────────────────────────────────────

// CreateTask persists a new record.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return sentinel.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a record by id.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, sentinel.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing record.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return sentinel.ErrTaskNotFound
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// UpdateTaskIf persists t only while the stored record still matches cond.
func (m *Store) UpdateTaskIf(_ context.Context, t *task.Task, cond task.UpdateCond) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[t.ID.String()]
	if !ok {
		return false, nil
	}
	if cur.Status != cond.Status {
		return false, nil
	}
	if !cond.WorkerID.IsNil() && cur.WorkerID != cond.WorkerID {
		return false, nil
	}
	if cond.LeaseExpiresAt != nil {
		if cur.LeaseExpiresAt == nil || !cur.LeaseExpiresAt.Equal(*cond.LeaseExpiresAt) {
			return false, nil
		}
	}
	cp := *t
	m.tasks[t.ID.String()] = &cp
	return true, nil
}

// RenewLease extends the lease on an IN_PROGRESS record.
func (m *Store) RenewLease(_ context.Context, taskID id.TaskID, workerID id.WorkerID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok || t.Status != task.StatusInProgress {
		return sentinel.ErrTaskNotFound
	}
	u := until
	t.LeaseExpiresAt = &u
	t.WorkerID = workerID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ExpiredTasks returns IN_PROGRESS records whose lease lapsed before now.
func (m *Store) ExpiredTasks(_ context.Context, now time.Time) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			cp := *t
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

// ──────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────

// IncrStatusCount increments the counter for the given status.
func (m *Store) IncrStatusCount(_ context.Context, s task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[s]++
	return nil
}

// DecrStatusCount decrements the counter for the given status.
func (m *Store) DecrStatusCount(_ context.Context, s task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[s]--
	return nil
}

// StatusCounts returns the four counters.
func (m *Store) StatusCounts(_ context.Context) (task.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return task.Counts{
		Queued:     m.counts[task.StatusQueued],
		InProgress: m.counts[task.StatusInProgress],
		Completed:  m.counts[task.StatusCompleted],
		Failed:     m.counts[task.StatusFailed],
	}, nil
}
