package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

// taskColumns is the SELECT column list shared by every record query.
const taskColumns = `
	id, payload, priority, status, attempt, last_error, worker_id,
	submitted_at, started_at, completed_at, lease_expires_at, updated_at`

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

// Enqueue inserts a queue row. The upsert replaces the score of an
// existing entry, so re-enqueueing the same id never duplicates it.
func (s *Store) Enqueue(ctx context.Context, score float64, taskID id.TaskID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_queue (task_id, score)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET score = EXCLUDED.score`,
		taskID.String(), score,
	)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: enqueue: %w", err)
	}
	return nil
}

// DequeueMin atomically claims and deletes the lowest-scored queue row.
// FOR UPDATE SKIP LOCKED makes concurrent dequeues claim disjoint rows
// instead of blocking on each other.
func (s *Store) DequeueMin(ctx context.Context) (id.TaskID, bool, error) {
	var member string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM sentinel_queue
		WHERE task_id = (
			SELECT task_id FROM sentinel_queue
			ORDER BY score ASC, task_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING task_id`,
	).Scan(&member)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, false, nil
		}
		return id.Nil, false, fmt.Errorf("sentinel/postgres: dequeue: %w", err)
	}

	tid, err := id.ParseTaskID(member)
	if err != nil {
		return id.Nil, false, fmt.Errorf("sentinel/postgres: dequeue: %w", err)
	}
	return tid, true, nil
}

// Size returns the number of waiting queue rows.
func (s *Store) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sentinel_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sentinel/postgres: queue size: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Task records
// ──────────────────────────────────────────────────

// CreateTask persists a new task record.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_tasks (
			id, payload, priority, status, attempt, last_error, worker_id,
			submitted_at, started_at, completed_at, lease_expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		t.ID.String(), t.Payload, t.Priority, string(t.Status),
		t.Attempt, t.LastError, t.WorkerID,
		t.SubmittedAt, t.StartedAt, t.CompletedAt, t.LeaseExpiresAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return sentinel.ErrTaskAlreadyExists
		}
		return fmt.Errorf("sentinel/postgres: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task record by id.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+taskColumns+` FROM sentinel_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, sentinel.ErrTaskNotFound
		}
		return nil, fmt.Errorf("sentinel/postgres: get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task record.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sentinel_tasks SET
			status = $2, attempt = $3, last_error = $4, worker_id = $5,
			started_at = $6, completed_at = $7, lease_expires_at = $8,
			updated_at = NOW()
		WHERE id = $1`,
		t.ID.String(), string(t.Status), t.Attempt, t.LastError, t.WorkerID,
		t.StartedAt, t.CompletedAt, t.LeaseExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrTaskNotFound
	}
	return nil
}

// UpdateTaskIf persists t only while the stored record still matches cond.
// The guard and the write are a single statement, so two reapers (or a
// reaper and a finishing worker) racing on one record resolve to exactly
// one winner.
func (s *Store) UpdateTaskIf(ctx context.Context, t *task.Task, cond task.UpdateCond) (bool, error) {
	query := `
		UPDATE sentinel_tasks SET
			status = $2, attempt = $3, last_error = $4, worker_id = $5,
			started_at = $6, completed_at = $7, lease_expires_at = $8,
			updated_at = NOW()
		WHERE id = $1 AND status = $9`
	args := []interface{}{
		t.ID.String(), string(t.Status), t.Attempt, t.LastError, t.WorkerID,
		t.StartedAt, t.CompletedAt, t.LeaseExpiresAt,
		string(cond.Status),
	}
	if !cond.WorkerID.IsNil() {
		args = append(args, cond.WorkerID)
		query += fmt.Sprintf(" AND worker_id = $%d", len(args))
	}
	if cond.LeaseExpiresAt != nil {
		args = append(args, *cond.LeaseExpiresAt)
		query += fmt.Sprintf(" AND lease_expires_at = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("sentinel/postgres: conditional update: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends the lease on a claimed task record. The status guard
// keeps a heartbeat from re-leasing a record the reaper already re-queued.
func (s *Store) RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sentinel_tasks
		SET lease_expires_at = $3, worker_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS'`,
		taskID.String(), workerID, until,
	)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrTaskNotFound
	}
	return nil
}

// ExpiredTasks returns IN_PROGRESS records whose lease lapsed before now.
func (s *Store) ExpiredTasks(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+taskColumns+`
		FROM sentinel_tasks
		WHERE status = 'IN_PROGRESS'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("sentinel/postgres: expired tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ──────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────

// IncrStatusCount increments the counter for the given status. The
// upsert is a single statement, so concurrent increments never lose
// updates.
func (s *Store) IncrStatusCount(ctx context.Context, status task.Status) error {
	return s.addStatusCount(ctx, status, 1)
}

// DecrStatusCount decrements the counter for the given status.
func (s *Store) DecrStatusCount(ctx context.Context, status task.Status) error {
	return s.addStatusCount(ctx, status, -1)
}

func (s *Store) addStatusCount(ctx context.Context, status task.Status, delta int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sentinel_status_counts (status, count)
		VALUES ($1, $2)
		ON CONFLICT (status) DO UPDATE
		SET count = sentinel_status_counts.count + EXCLUDED.count`,
		string(status), delta,
	)
	if err != nil {
		return fmt.Errorf("sentinel/postgres: adjust %s counter: %w", status, err)
	}
	return nil
}

// StatusCounts reads all four counters. Absent rows read as zero.
func (s *Store) StatusCounts(ctx context.Context) (task.Counts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count FROM sentinel_status_counts`)
	if err != nil {
		return task.Counts{}, fmt.Errorf("sentinel/postgres: status counts: %w", err)
	}
	defer rows.Close()

	var counts task.Counts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return task.Counts{}, fmt.Errorf("sentinel/postgres: scan counter: %w", err)
		}
		switch task.Status(status) {
		case task.StatusQueued:
			counts.Queued = n
		case task.StatusInProgress:
			counts.InProgress = n
		case task.StatusCompleted:
			counts.Completed = n
		case task.StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return task.Counts{}, fmt.Errorf("sentinel/postgres: status counts: %w", err)
	}
	return counts, nil
}

// ── helpers ──

// scanTask scans a single task row.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t         task.Task
		idStr     string
		statusStr string
	)
	err := row.Scan(
		&idStr, &t.Payload, &t.Priority, &statusStr,
		&t.Attempt, &t.LastError, &t.WorkerID,
		&t.SubmittedAt, &t.StartedAt, &t.CompletedAt, &t.LeaseExpiresAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ID, err = id.ParseTaskID(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	t.Status = task.Status(statusStr)
	return &t, nil
}

// collectTasks scans all rows into tasks.
func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sentinel/postgres: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sentinel/postgres: iterate tasks: %w", err)
	}
	return tasks, nil
}
