// Package api provides Forge-style HTTP handlers for the Sentinel API.
package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/xraph/sentinel/scheduler"
	"github.com/xraph/sentinel/stats"
	"github.com/xraph/sentinel/task"
)

// API wires the HTTP handlers for task submission, task lookup, and stats.
type API struct {
	scheduler *scheduler.Scheduler
	records   task.Store
	stats     *stats.Aggregator
	router    forge.Router
}

// New creates an API over the enqueue path, the record store, and the
// stats aggregator.
func New(sched *scheduler.Scheduler, records task.Store, agg *stats.Aggregator, router forge.Router) *API {
	return &API{scheduler: sched, records: records, stats: agg, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all sentinel API routes into the given Forge
// router with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerTaskRoutes(router)
	a.registerStatsRoutes(router)
}

// registerTaskRoutes registers task submission and lookup routes.
func (a *API) registerTaskRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("tasks"))

	_ = g.POST("/tasks", a.submitTask,
		forge.WithSummary("Submit task"),
		forge.WithDescription("Validates and enqueues a new task for execution."),
		forge.WithOperationID("submitTask"),
		forge.WithRequestSchema(SubmitTaskRequest{}),
		forge.WithResponseSchema(http.StatusCreated, "Task accepted", SubmitTaskResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/tasks/:taskId", a.getTask,
		forge.WithSummary("Get task"),
		forge.WithDescription("Returns the full record of a specific task."),
		forge.WithOperationID("getTask"),
		forge.WithResponseSchema(http.StatusOK, "Task details", &task.Task{}),
		forge.WithErrorResponses(),
	)
}

// registerStatsRoutes registers the aggregate statistics route.
func (a *API) registerStatsRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("stats"))

	_ = g.GET("/stats", a.getStats,
		forge.WithSummary("Queue stats"),
		forge.WithDescription("Returns the queue size and per-status task counts."),
		forge.WithOperationID("queueStats"),
		forge.WithResponseSchema(http.StatusOK, "Queue statistics", stats.Stats{}),
		forge.WithErrorResponses(),
	)
}
