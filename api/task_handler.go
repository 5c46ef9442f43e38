package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/id"
	"github.com/xraph/sentinel/task"
)

func (a *API) submitTask(ctx forge.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	t, err := a.scheduler.Submit(ctx.Context(), req.Payload, req.Priority)
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidPriority) || errors.Is(err, sentinel.ErrPayloadTooLarge) {
			return nil, forge.BadRequest(err.Error())
		}
		return nil, fmt.Errorf("submit task: %w", err)
	}

	resp := &SubmitTaskResponse{
		TaskID: t.ID.String(),
		Status: t.Status,
	}
	return resp, ctx.JSON(http.StatusCreated, resp)
}

func (a *API) getTask(ctx forge.Context, _ *GetTaskRequest) (*task.Task, error) {
	taskID, err := id.ParseTaskID(ctx.Param("taskId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid task ID: %v", err))
	}

	t, err := a.records.GetTask(ctx.Context(), taskID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return t, ctx.JSON(http.StatusOK, t)
}

// mapStoreError converts sentinel store errors to forge HTTP errors.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrTaskNotFound) {
		return forge.NotFound(err.Error())
	}
	return err
}
