package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

// updateTaskIfScript applies a Hash update only while the record still
// matches the caller's guard: ARGV[1] is the expected status, ARGV[2] the
// expected worker id ("" to skip), ARGV[3] the expected lease stamp ("" to
// skip). The remaining ARGV are field/value pairs; an empty value deletes
// the field. Returns 1 when applied, 0 when the guard lost.
var updateTaskIfScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[2] then
  return 0
end
if ARGV[3] ~= '' then
  local lease = redis.call('HGET', KEYS[1], 'lease_expires_at')
  if lease == false or lease ~= ARGV[3] then
    return 0
  end
end
for i = 4, #ARGV - 1, 2 do
  if ARGV[i + 1] == '' then
    redis.call('HDEL', KEYS[1], ARGV[i])
  else
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  end
end
return 1
`)

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

// Enqueue adds a task id to the queue Sorted Set. ZADD replaces the score
// of an existing member, so re-enqueueing the same id never duplicates it.
func (s *Store) Enqueue(ctx context.Context, score float64, taskID id.TaskID) error {
	err := s.client.ZAdd(ctx, queueKey, goredis.Z{Score: score, Member: taskID.String()}).Err()
	if err != nil {
		return fmt.Errorf("sentinel/redis: enqueue: %w", err)
	}
	return nil
}

// DequeueMin atomically pops the lowest-scored task id via ZPOPMIN.
func (s *Store) DequeueMin(ctx context.Context) (id.TaskID, bool, error) {
	members, err := s.client.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return id.Nil, false, fmt.Errorf("sentinel/redis: dequeue zpopmin: %w", err)
	}
	if len(members) == 0 {
		return id.Nil, false, nil
	}

	member, ok := members[0].Member.(string)
	if !ok {
		return id.Nil, false, fmt.Errorf("sentinel/redis: dequeue: unexpected member type %T", members[0].Member)
	}
	tid, err := id.ParseTaskID(member)
	if err != nil {
		return id.Nil, false, fmt.Errorf("sentinel/redis: dequeue: %w", err)
	}
	return tid, true, nil
}

// Size returns the number of waiting queue entries via ZCARD.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sentinel/redis: queue size: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Task records
// ──────────────────────────────────────────────────

// CreateTask stores the task as a Hash and indexes its id.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("sentinel/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return sentinel.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sentinel/redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task record by id.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task record.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("sentinel/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return sentinel.ErrTaskNotFound
	}

	fields := taskToMap(t)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	// Optional fields may have been cleared on the record; a Hash keeps old
	// values unless explicitly removed.
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if t.StartedAt == nil {
		pipe.HDel(ctx, key, "started_at")
	}
	if t.CompletedAt == nil {
		pipe.HDel(ctx, key, "completed_at")
	}
	if t.LeaseExpiresAt == nil {
		pipe.HDel(ctx, key, "lease_expires_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sentinel/redis: update task: %w", err)
	}
	s.indexLease(ctx, t)
	return nil
}

// UpdateTaskIf persists t only while the stored record still matches cond.
// The guard and the field writes run as one Lua script, so two reapers (or
// a reaper and a finishing worker) racing on one record resolve to exactly
// one winner.
func (s *Store) UpdateTaskIf(ctx context.Context, t *task.Task, cond task.UpdateCond) (bool, error) {
	fields := taskToMap(t)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	// Cleared optional fields become empty values, which the script HDELs.
	if t.StartedAt == nil {
		fields["started_at"] = ""
	}
	if t.CompletedAt == nil {
		fields["completed_at"] = ""
	}
	if t.LeaseExpiresAt == nil {
		fields["lease_expires_at"] = ""
	}

	condWorker := ""
	if !cond.WorkerID.IsNil() {
		condWorker = cond.WorkerID.String()
	}
	condLease := ""
	if cond.LeaseExpiresAt != nil {
		condLease = cond.LeaseExpiresAt.Format(time.RFC3339Nano)
	}

	args := make([]interface{}, 0, 3+2*len(fields))
	args = append(args, string(cond.Status), condWorker, condLease)
	for field, val := range fields {
		args = append(args, field, val)
	}

	applied, err := updateTaskIfScript.Run(ctx, s.client, []string{taskKey(t.ID.String())}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("sentinel/redis: conditional update: %w", err)
	}
	if applied == 0 {
		return false, nil
	}
	s.indexLease(ctx, t)
	return true, nil
}

// RenewLease extends the lease on a claimed task record. The status check
// keeps a heartbeat from re-leasing a record the reaper already re-queued.
func (s *Store) RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, until time.Time) error {
	key := taskKey(taskID.String())

	status, err := s.client.HGet(ctx, key, "status").Result()
	if err != nil {
		if err == goredis.Nil {
			return sentinel.ErrTaskNotFound
		}
		return fmt.Errorf("sentinel/redis: renew lease status: %w", err)
	}
	if status != string(task.StatusInProgress) {
		return sentinel.ErrTaskNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stamp := until.UTC()
	err = s.client.HSet(ctx, key,
		"lease_expires_at", stamp.Format(time.RFC3339Nano),
		"worker_id", workerID.String(),
		"updated_at", now,
	).Err()
	if err != nil {
		return fmt.Errorf("sentinel/redis: renew lease: %w", err)
	}
	if zErr := s.client.ZAdd(ctx, leaseIndexKey, goredis.Z{
		Score:  float64(stamp.UnixMilli()),
		Member: taskID.String(),
	}).Err(); zErr != nil {
		s.logger.Warn("lease index update failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", zErr.Error()),
		)
	}
	return nil
}

// ExpiredTasks returns IN_PROGRESS tasks whose lease lapsed before now.
// The lease index narrows the fetch to lapsed entries, so a reap tick
// costs O(expired) rather than a scan over every task ever submitted.
func (s *Store) ExpiredTasks(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, leaseIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("sentinel/redis: expired leases: %w", err)
	}

	var expired []*task.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			// Record gone; drop the stale index entry.
			s.client.ZRem(ctx, leaseIndexKey, tID)
			continue
		}
		// Re-check against the record: the index is a hint, the Hash is
		// the source of truth.
		if t.Status != task.StatusInProgress || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(now) {
			continue
		}
		expired = append(expired, t)
	}
	return expired, nil
}

// indexLease keeps the lease index in step with the record's lease stamp.
// Best-effort: ExpiredTasks re-verifies every candidate against the record,
// so a stale index entry costs one extra read, never a wrong reap.
func (s *Store) indexLease(ctx context.Context, t *task.Task) {
	var err error
	if t.LeaseExpiresAt != nil {
		err = s.client.ZAdd(ctx, leaseIndexKey, goredis.Z{
			Score:  float64(t.LeaseExpiresAt.UnixMilli()),
			Member: t.ID.String(),
		}).Err()
	} else {
		err = s.client.ZRem(ctx, leaseIndexKey, t.ID.String()).Err()
	}
	if err != nil {
		s.logger.Warn("lease index update failed",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────

// IncrStatusCount increments the counter for the given status. INCRBY is
// atomic, so concurrent workers never lose increments.
func (s *Store) IncrStatusCount(ctx context.Context, status task.Status) error {
	if err := s.client.IncrBy(ctx, counterKey(string(status)), 1).Err(); err != nil {
		return fmt.Errorf("sentinel/redis: incr %s: %w", status, err)
	}
	return nil
}

// DecrStatusCount decrements the counter for the given status.
func (s *Store) DecrStatusCount(ctx context.Context, status task.Status) error {
	if err := s.client.DecrBy(ctx, counterKey(string(status)), 1).Err(); err != nil {
		return fmt.Errorf("sentinel/redis: decr %s: %w", status, err)
	}
	return nil
}

// StatusCounts reads all four counters in a single MGET. Missing keys
// read as zero.
func (s *Store) StatusCounts(ctx context.Context) (task.Counts, error) {
	keys := make([]string, len(task.Statuses))
	for i, st := range task.Statuses {
		keys[i] = counterKey(string(st))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return task.Counts{}, fmt.Errorf("sentinel/redis: status counts: %w", err)
	}

	var counts task.Counts
	for i, st := range task.Statuses {
		raw, ok := vals[i].(string)
		if !ok {
			continue // key absent, counter is zero
		}
		n, _ := strconv.ParseInt(raw, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
		switch st {
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
	return counts, nil
}

// ── helpers ──

func taskToMap(t *task.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":           t.ID.String(),
		"payload":      string(t.Payload),
		"priority":     strconv.Itoa(t.Priority),
		"status":       string(t.Status),
		"attempt":      strconv.Itoa(t.Attempt),
		"last_error":   t.LastError,
		"worker_id":    t.WorkerID.String(),
		"submitted_at": t.SubmittedAt.Format(time.RFC3339Nano),
		"updated_at":   t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if t.LeaseExpiresAt != nil {
		m["lease_expires_at"] = t.LeaseExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sentinel/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, sentinel.ErrTaskNotFound
	}
	return mapToTask(vals)
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("sentinel/redis: parse task id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])   //nolint:errcheck // best-effort parse from trusted Redis data

	t := &task.Task{
		ID:        tID,
		Payload:   []byte(m["payload"]),
		Priority:  priority,
		Status:    task.Status(m["status"]),
		Attempt:   attempt,
		LastError: m["last_error"],
	}

	if w := m["worker_id"]; w != "" {
		wid, wErr := id.ParseWorkerID(w)
		if wErr != nil {
			return nil, fmt.Errorf("sentinel/redis: parse worker id: %w", wErr)
		}
		t.WorkerID = wid
	}

	t.SubmittedAt, _ = time.Parse(time.RFC3339Nano, m["submitted_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	for field, dst := range map[string]**time.Time{
		"started_at":       &t.StartedAt,
		"completed_at":     &t.CompletedAt,
		"lease_expires_at": &t.LeaseExpiresAt,
	} {
		if raw, ok := m[field]; ok && raw != "" {
			if ts, tErr := time.Parse(time.RFC3339Nano, raw); tErr == nil {
				tt := ts
				*dst = &tt
			}
		}
	}
	return t, nil
}
