package api

import (
	"encoding/json"

	"github.com/xraph/sentinel/task"
)

// SubmitTaskRequest is the body of POST /v1/tasks.
type SubmitTaskRequest struct {
	// Payload is the opaque task body handed to the execution strategy.
	Payload json.RawMessage `json:"payload"`
	// Priority orders dequeue; higher runs first. Equal priorities run in
	// submission order.
	Priority int `json:"priority"`
}

// SubmitTaskResponse acknowledges an accepted submission.
type SubmitTaskResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// GetTaskRequest is the (path-only) request for GET /v1/tasks/:taskId.
type GetTaskRequest struct{}
