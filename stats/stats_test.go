package stats_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xraph/sentinel/scheduler"
	"github.com/xraph/sentinel/stats"
	"github.com/xraph/sentinel/store/memory"
	"github.com/xraph/sentinel/task"
)

func TestSnapshot_Empty(t *testing.T) {
	st := memory.New()
	agg := stats.New(st, st)

	got, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got.QueueSize != 0 {
		t.Errorf("QueueSize = %d, want 0", got.QueueSize)
	}
	if got.StatusCounts != (task.Counts{}) {
		t.Errorf("StatusCounts = %+v, want zero", got.StatusCounts)
	}
}

func TestSnapshot_ReflectsSubmissions(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := scheduler.New(st, st, st)
	agg := stats.New(st, st)

	for i := range 3 {
		if _, err := sched.Submit(ctx, json.RawMessage(`{}`), i); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	got, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got.QueueSize != 3 {
		t.Errorf("QueueSize = %d, want 3", got.QueueSize)
	}
	if got.StatusCounts.Queued != 3 {
		t.Errorf("Queued = %d, want 3", got.StatusCounts.Queued)
	}

	// Reading stats must not consume anything.
	again, _ := agg.Snapshot(ctx)
	if *again != *got {
		t.Errorf("second Snapshot() = %+v, want %+v", again, got)
	}
}

func TestSnapshot_WireFormat(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sched := scheduler.New(st, st, st)
	agg := stats.New(st, st)

	if _, err := sched.Submit(ctx, json.RawMessage(`{}`), 1); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded struct {
		QueueSize    int64            `json:"queue_size"`
		StatusCounts map[string]int64 `json:"status_counts"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.QueueSize != 1 {
		t.Errorf("queue_size = %d, want 1", decoded.QueueSize)
	}
	if decoded.StatusCounts["QUEUED"] != 1 {
		t.Errorf("status_counts.QUEUED = %d, want 1", decoded.StatusCounts["QUEUED"])
	}
	for _, key := range []string{"QUEUED", "IN_PROGRESS", "COMPLETED", "FAILED"} {
		if _, ok := decoded.StatusCounts[key]; !ok {
			t.Errorf("status_counts missing %q", key)
		}
	}
}
