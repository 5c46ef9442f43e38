//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	pgstore "github.com/xraph/sentinel/store/postgres"
	"github.com/xraph/sentinel/task"
)

// setupTestStore creates a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *pgstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("sentinel_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	store, err := pgstore.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newTestTask(priority int) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:          id.NewTaskID(),
		Payload:     json.RawMessage(`{"kind":"resize","width":800}`),
		Priority:    priority,
		Status:      task.StatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_Migrate_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	// Second run must skip already-applied files.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tk := newTestTask(5)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if err := s.CreateTask(ctx, tk); !errors.Is(err, sentinel.ErrTaskAlreadyExists) {
		t.Errorf("CreateTask() duplicate error = %v, want ErrTaskAlreadyExists", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Priority != 5 || got.Status != task.StatusQueued {
		t.Errorf("GetTask() = %+v", got)
	}
	if string(got.Payload) != string(tk.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, tk.Payload)
	}

	now := time.Now().UTC()
	got.Status = task.StatusInProgress
	got.StartedAt = &now
	got.WorkerID = id.NewWorkerID()
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	again, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask() after update error = %v", err)
	}
	if again.Status != task.StatusInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS", again.Status)
	}
	if again.StartedAt == nil {
		t.Error("StartedAt not persisted")
	}
	if again.WorkerID != got.WorkerID {
		t.Errorf("WorkerID = %s, want %s", again.WorkerID, got.WorkerID)
	}

	if _, err := s.GetTask(ctx, id.NewTaskID()); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Errorf("GetTask() missing error = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_QueueOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := newTestTask(1)
	high := newTestTask(9)

	for _, tk := range []*task.Task{low, high} {
		if err := s.Enqueue(ctx, task.Score(tk.Priority, tk.SubmittedAt), tk.ID); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if n, _ := s.Size(ctx); n != 2 {
		t.Fatalf("Size() = %d, want 2", n)
	}

	got, ok, err := s.DequeueMin(ctx)
	if err != nil || !ok {
		t.Fatalf("DequeueMin() = (%v, %v)", ok, err)
	}
	if got != high.ID {
		t.Errorf("DequeueMin() = %s, want high-priority %s", got, high.ID)
	}

	got, ok, _ = s.DequeueMin(ctx)
	if !ok || got != low.ID {
		t.Errorf("DequeueMin() = (%s, %v), want %s", got, ok, low.ID)
	}

	if _, ok, _ := s.DequeueMin(ctx); ok {
		t.Error("DequeueMin() on empty queue returned an entry")
	}
}

func TestStore_Enqueue_Replace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tid := id.NewTaskID()
	if err := s.Enqueue(ctx, 100, tid); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Enqueue(ctx, 10, tid); err != nil {
		t.Fatalf("re-Enqueue() error = %v", err)
	}
	if n, _ := s.Size(ctx); n != 1 {
		t.Errorf("Size() after replace = %d, want 1", n)
	}
}

func TestStore_DequeueMin_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const total = 50
	for i := range total {
		if err := s.Enqueue(ctx, float64(i), id.NewTaskID()); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[id.TaskID]int)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tid, ok, err := s.DequeueMin(ctx)
				if err != nil {
					t.Errorf("DequeueMin() error = %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[tid]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("dequeued %d distinct tasks, want %d", len(seen), total)
	}
	for tid, n := range seen {
		if n != 1 {
			t.Errorf("task %s dequeued %d times", tid, n)
		}
	}
}

func TestStore_LeaseFlow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tk := newTestTask(3)
	tk.Status = task.StatusInProgress
	past := now.Add(-time.Minute)
	tk.LeaseExpiresAt = &past
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	expired, err := s.ExpiredTasks(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredTasks() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != tk.ID {
		t.Fatalf("ExpiredTasks() = %v, want only %s", expired, tk.ID)
	}

	wkr := id.NewWorkerID()
	until := now.Add(30 * time.Second)
	if err := s.RenewLease(ctx, tk.ID, wkr, until); err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}
	expired, err = s.ExpiredTasks(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredTasks() after renew error = %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("ExpiredTasks() after renew = %v, want none", expired)
	}

	if err := s.RenewLease(ctx, id.NewTaskID(), wkr, until); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Errorf("RenewLease() missing error = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_UpdateTaskIf(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tk := newTestTask(3)
	tk.Status = task.StatusInProgress
	tk.WorkerID = id.NewWorkerID()
	lease := time.Now().UTC().Add(-time.Second)
	tk.LeaseExpiresAt = &lease
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// Read the record back so the lease stamp carries the stored precision,
	// exactly as the reaper sees it.
	stored, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	stamp := stored.LeaseExpiresAt

	// A mismatched lease stamp must lose without touching the record.
	wrong := stamp.Add(time.Minute)
	upd := *stored
	upd.Status = task.StatusQueued
	applied, err := s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
		Status:         task.StatusInProgress,
		LeaseExpiresAt: &wrong,
	})
	if err != nil {
		t.Fatalf("UpdateTaskIf() error = %v", err)
	}
	if applied {
		t.Fatal("UpdateTaskIf() = true, want false on lease mismatch")
	}

	// A mismatched worker must lose too.
	applied, err = s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
		Status:   task.StatusInProgress,
		WorkerID: id.NewWorkerID(),
	})
	if err != nil {
		t.Fatalf("UpdateTaskIf() error = %v", err)
	}
	if applied {
		t.Fatal("UpdateTaskIf() = true, want false on worker mismatch")
	}

	// The matching guard wins exactly once; a second identical attempt
	// (another reaper racing on the same record) must lose.
	upd.WorkerID = id.WorkerID{}
	upd.StartedAt = nil
	upd.LeaseExpiresAt = nil
	applied, err = s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
		Status:         task.StatusInProgress,
		LeaseExpiresAt: stamp,
	})
	if err != nil {
		t.Fatalf("UpdateTaskIf() error = %v", err)
	}
	if !applied {
		t.Fatal("UpdateTaskIf() = false, want true on matching guard")
	}

	applied, err = s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
		Status:         task.StatusInProgress,
		LeaseExpiresAt: stamp,
	})
	if err != nil {
		t.Fatalf("UpdateTaskIf() error = %v", err)
	}
	if applied {
		t.Fatal("UpdateTaskIf() = true, want false on second attempt")
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("Status = %s, want QUEUED", got.Status)
	}
	if got.LeaseExpiresAt != nil {
		t.Errorf("LeaseExpiresAt = %v, want nil", got.LeaseExpiresAt)
	}
}

func TestStore_StatusCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	if counts != (task.Counts{}) {
		t.Errorf("fresh StatusCounts() = %+v, want zero", counts)
	}

	for range 2 {
		if err := s.IncrStatusCount(ctx, task.StatusQueued); err != nil {
			t.Fatalf("IncrStatusCount() error = %v", err)
		}
	}
	if err := s.DecrStatusCount(ctx, task.StatusQueued); err != nil {
		t.Fatalf("DecrStatusCount() error = %v", err)
	}
	if err := s.IncrStatusCount(ctx, task.StatusCompleted); err != nil {
		t.Fatalf("IncrStatusCount() error = %v", err)
	}

	counts, err = s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	want := task.Counts{Queued: 1, Completed: 1}
	if counts != want {
		t.Errorf("StatusCounts() = %+v, want %+v", counts, want)
	}
}
