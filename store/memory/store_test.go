package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

func newTask(t *testing.T, priority int) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	return &task.Task{
		ID:          id.NewTaskID(),
		Payload:     json.RawMessage(`{"n":1}`),
		Priority:    priority,
		Status:      task.StatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func TestDequeueMin_OrdersByScore(t *testing.T) {
	ctx := context.Background()
	s := New()

	low := newTask(t, 1)
	mid := newTask(t, 5)
	high := newTask(t, 9)

	// Enqueue out of order; dequeue must follow ascending score,
	// which means descending priority.
	for _, tk := range []*task.Task{mid, low, high} {
		if err := s.Enqueue(ctx, task.Score(tk.Priority, tk.SubmittedAt), tk.ID); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	want := []id.TaskID{high.ID, mid.ID, low.ID}
	for i, w := range want {
		got, ok, err := s.DequeueMin(ctx)
		if err != nil {
			t.Fatalf("DequeueMin() error = %v", err)
		}
		if !ok {
			t.Fatalf("DequeueMin() #%d empty, want %s", i, w)
		}
		if got != w {
			t.Errorf("DequeueMin() #%d = %s, want %s", i, got, w)
		}
	}

	if _, ok, _ := s.DequeueMin(ctx); ok {
		t.Error("DequeueMin() on drained queue returned an entry")
	}
}

func TestDequeueMin_TieBreaksOnTaskID(t *testing.T) {
	ctx := context.Background()
	s := New()

	// Same score for every entry. TypeIDs are K-sortable so dequeue
	// order must match creation order.
	now := time.Now().UTC()
	var want []id.TaskID
	for range 10 {
		tid := id.NewTaskID()
		want = append(want, tid)
		if err := s.Enqueue(ctx, task.Score(3, now), tid); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	for i, w := range want {
		got, ok, err := s.DequeueMin(ctx)
		if err != nil || !ok {
			t.Fatalf("DequeueMin() #%d = (%v, %v)", i, ok, err)
		}
		if got != w {
			t.Errorf("DequeueMin() #%d = %s, want %s", i, got, w)
		}
	}
}

func TestEnqueue_ReplacesExistingMember(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := id.NewTaskID()
	b := id.NewTaskID()

	if err := s.Enqueue(ctx, 100, a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Enqueue(ctx, 50, b); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// Re-enqueue a with a lower score; it must jump ahead of b without
	// duplicating the entry.
	if err := s.Enqueue(ctx, 10, a); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if n, _ := s.Size(ctx); n != 2 {
		t.Fatalf("Size() = %d, want 2", n)
	}

	got, _, _ := s.DequeueMin(ctx)
	if got != a {
		t.Errorf("DequeueMin() = %s, want %s", got, a)
	}
	got, _, _ = s.DequeueMin(ctx)
	if got != b {
		t.Errorf("DequeueMin() = %s, want %s", got, b)
	}
}

func TestDequeueMin_ConcurrentWorkersGetDisjointTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	const total = 200
	const workers = 8

	for i := range total {
		if err := s.Enqueue(ctx, float64(i), id.NewTaskID()); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[id.TaskID]int)

	var wg sync.WaitGroup
	for range workers {
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

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	tk := newTask(t, 7)
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
	if got.Priority != 7 || got.Status != task.StatusQueued {
		t.Errorf("GetTask() = %+v", got)
	}

	// Mutating the returned copy must not affect the stored record.
	got.Status = task.StatusFailed
	again, _ := s.GetTask(ctx, tk.ID)
	if again.Status != task.StatusQueued {
		t.Error("GetTask() returned a shared reference, want a copy")
	}

	got.Status = task.StatusCompleted
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	again, _ = s.GetTask(ctx, tk.ID)
	if again.Status != task.StatusCompleted {
		t.Errorf("Status after update = %s, want COMPLETED", again.Status)
	}

	if _, err := s.GetTask(ctx, id.NewTaskID()); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Errorf("GetTask() missing error = %v, want ErrTaskNotFound", err)
	}
	missing := newTask(t, 1)
	if err := s.UpdateTask(ctx, missing); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Errorf("UpdateTask() missing error = %v, want ErrTaskNotFound", err)
	}
}

func TestExpiredTasks(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	stale := newTask(t, 1)
	stale.Status = task.StatusInProgress
	past := now.Add(-time.Minute)
	stale.LeaseExpiresAt = &past

	fresh := newTask(t, 1)
	fresh.Status = task.StatusInProgress
	future := now.Add(time.Minute)
	fresh.LeaseExpiresAt = &future

	queued := newTask(t, 1)

	for _, tk := range []*task.Task{stale, fresh, queued} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
	}

	expired, err := s.ExpiredTasks(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredTasks() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("ExpiredTasks() = %v, want only %s", expired, stale.ID)
	}
}

func TestRenewLease(t *testing.T) {
	ctx := context.Background()
	s := New()

	tk := newTask(t, 1)
	tk.Status = task.StatusInProgress
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	wkr := id.NewWorkerID()
	until := time.Now().UTC().Add(30 * time.Second)
	if err := s.RenewLease(ctx, tk.ID, wkr, until); err != nil {
		t.Fatalf("RenewLease() error = %v", err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(until) {
		t.Errorf("LeaseExpiresAt = %v, want %v", got.LeaseExpiresAt, until)
	}
	if got.WorkerID != wkr {
		t.Errorf("WorkerID = %s, want %s", got.WorkerID, wkr)
	}

	if err := s.RenewLease(ctx, id.NewTaskID(), wkr, until); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Errorf("RenewLease() missing error = %v, want ErrTaskNotFound", err)
	}
}

func TestRenewLease_SkipsRequeuedRecord(t *testing.T) {
	ctx := context.Background()
	s := New()

	tk := newTask(t, 1)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// A QUEUED record must never get a lease from a late heartbeat.
	until := time.Now().UTC().Add(30 * time.Second)
	if err := s.RenewLease(ctx, tk.ID, id.NewWorkerID(), until); !errors.Is(err, sentinel.ErrTaskNotFound) {
		t.Fatalf("RenewLease() on QUEUED record error = %v, want ErrTaskNotFound", err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.LeaseExpiresAt != nil {
		t.Errorf("LeaseExpiresAt = %v, want nil", got.LeaseExpiresAt)
	}
}

func TestUpdateTaskIf(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, *task.Task, time.Time) {
		t.Helper()
		s := New()
		tk := newTask(t, 1)
		tk.Status = task.StatusInProgress
		tk.WorkerID = id.NewWorkerID()
		lease := time.Now().UTC().Add(-time.Second)
		tk.LeaseExpiresAt = &lease
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		return s, tk, lease
	}

	t.Run("applies when record matches", func(t *testing.T) {
		s, tk, lease := setup(t)

		upd := *tk
		upd.Status = task.StatusQueued
		upd.WorkerID = id.WorkerID{}
		upd.LeaseExpiresAt = nil
		applied, err := s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
			Status:         task.StatusInProgress,
			LeaseExpiresAt: &lease,
		})
		if err != nil {
			t.Fatalf("UpdateTaskIf() error = %v", err)
		}
		if !applied {
			t.Fatal("UpdateTaskIf() = false, want true")
		}

		got, _ := s.GetTask(ctx, tk.ID)
		if got.Status != task.StatusQueued {
			t.Errorf("Status = %s, want %s", got.Status, task.StatusQueued)
		}
	})

	t.Run("loses on status mismatch", func(t *testing.T) {
		s, tk, _ := setup(t)

		upd := *tk
		upd.Status = task.StatusCompleted
		applied, err := s.UpdateTaskIf(ctx, &upd, task.UpdateCond{Status: task.StatusQueued})
		if err != nil {
			t.Fatalf("UpdateTaskIf() error = %v", err)
		}
		if applied {
			t.Fatal("UpdateTaskIf() = true, want false on status mismatch")
		}

		got, _ := s.GetTask(ctx, tk.ID)
		if got.Status != task.StatusInProgress {
			t.Errorf("Status = %s, record changed by losing update", got.Status)
		}
	})

	t.Run("loses on worker mismatch", func(t *testing.T) {
		s, tk, _ := setup(t)

		upd := *tk
		upd.Status = task.StatusCompleted
		applied, err := s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
			Status:   task.StatusInProgress,
			WorkerID: id.NewWorkerID(),
		})
		if err != nil {
			t.Fatalf("UpdateTaskIf() error = %v", err)
		}
		if applied {
			t.Fatal("UpdateTaskIf() = true, want false on worker mismatch")
		}
	})

	t.Run("loses on lease mismatch", func(t *testing.T) {
		s, tk, lease := setup(t)

		// The claiming worker renewed after the expiry scan.
		renewed := lease.Add(time.Minute)
		if err := s.RenewLease(ctx, tk.ID, tk.WorkerID, renewed); err != nil {
			t.Fatalf("RenewLease() error = %v", err)
		}

		upd := *tk
		upd.Status = task.StatusQueued
		applied, err := s.UpdateTaskIf(ctx, &upd, task.UpdateCond{
			Status:         task.StatusInProgress,
			LeaseExpiresAt: &lease,
		})
		if err != nil {
			t.Fatalf("UpdateTaskIf() error = %v", err)
		}
		if applied {
			t.Fatal("UpdateTaskIf() = true, want false on lease mismatch")
		}
	})

	t.Run("loses on missing record", func(t *testing.T) {
		s := New()
		tk := newTask(t, 1)
		applied, err := s.UpdateTaskIf(ctx, tk, task.UpdateCond{Status: task.StatusQueued})
		if err != nil {
			t.Fatalf("UpdateTaskIf() error = %v", err)
		}
		if applied {
			t.Fatal("UpdateTaskIf() = true, want false on missing record")
		}
	})
}

func TestStatusCounts(t *testing.T) {
	ctx := context.Background()
	s := New()

	for range 3 {
		if err := s.IncrStatusCount(ctx, task.StatusQueued); err != nil {
			t.Fatalf("IncrStatusCount() error = %v", err)
		}
	}
	if err := s.DecrStatusCount(ctx, task.StatusQueued); err != nil {
		t.Fatalf("DecrStatusCount() error = %v", err)
	}
	if err := s.IncrStatusCount(ctx, task.StatusInProgress); err != nil {
		t.Fatalf("IncrStatusCount() error = %v", err)
	}

	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error = %v", err)
	}
	want := task.Counts{Queued: 2, InProgress: 1}
	if counts != want {
		t.Errorf("StatusCounts() = %+v, want %+v", counts, want)
	}
}
