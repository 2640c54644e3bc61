// Package http exposes the coordinator's RPC surface over HTTP/JSON with
// gin, grounded on this repository's executor server (health/ready/metrics
// endpoints plus a setupRouter function) generalized from a single worker
// pool's status to the full placement RPC surface.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridflow/coordinator/internal/coordinator/app/loop"
	"github.com/gridflow/coordinator/internal/coordinator/domain/job"
	"github.com/gridflow/coordinator/internal/coordinator/domain/processstate"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/config"
	"github.com/gridflow/coordinator/pkg/logger"
	"github.com/gridflow/coordinator/pkg/ratelimit"
)

type Server struct {
	cfg        *config.Config
	log        logger.Logger
	loop       *loop.Loop
	creds      ports.CredentialStore
	httpServer *http.Server
}

func New(cfg *config.Config, log logger.Logger, l *loop.Loop, creds ports.CredentialStore) *Server {
	h := &handlers{loop: l, creds: creds, log: log}
	router := setupRouter(h)

	return &Server{
		cfg:  cfg,
		log:  log,
		loop: l,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		},
	}
}

func setupRouter(h *handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pollLimiter := ratelimit.NewTokenBucketLimiter(50, 100)
	pollKey := func(c *gin.Context) string { return c.Param("agent_id") }

	v1 := router.Group("/api/v1")
	{
		v1.POST("/jobs", h.addJob)
		v1.POST("/jobs/:job_id/tasks", h.addTasks)
		v1.GET("/jobs/simple/states", h.getSimpleJobStates)
		v1.GET("/jobs/:job_id/tasks/states", h.getGridTaskStates)
		v1.POST("/jobs/states", ratelimit.Middleware(pollLimiter, pollKey), h.updateJobStates)
		v1.POST("/grid-tasks/state", ratelimit.Middleware(pollLimiter, pollKey), h.updateGridTaskState)

		v1.POST("/credentials", h.addCredentials)
		v1.GET("/credentials/:name", h.getCredential)

		v1.GET("/agents", h.listAgents)
		v1.POST("/agents/register", h.registerAgent)
		v1.POST("/agents/:agent_id/next-jobs", ratelimit.Middleware(pollLimiter, pollKey), h.getNextJobs)
	}

	return router
}

func (s *Server) Start() error {
	s.log.Info("starting coordinator HTTP server", "port", s.cfg.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down coordinator HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	loop  *loop.Loop
	creds ports.CredentialStore
	log   logger.Logger
}

// --- request/response DTOs ---

type resourcesDTO struct {
	MemoryGB   float64            `json:"memoryGb"`
	LogicalCPU int                `json:"logicalCpu"`
	Custom     map[string]float64 `json:"custom,omitempty"`
}

func (d resourcesDTO) toDomain() resources.Resources {
	return resources.New(d.MemoryGB, d.LogicalCPU, d.Custom)
}

type addJobRequest struct {
	JobID                            string       `json:"jobId" binding:"required"`
	Priority                         float64      `json:"priority"`
	InterruptionProbabilityThreshold float64      `json:"interruptionProbabilityThreshold"`
	Kind                             string       `json:"kind" binding:"required"` // "simple" | "grid"
	ResourcesRequired                resourcesDTO `json:"resourcesRequired"`
}

func (h *handlers) addJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := job.Simple
	if req.Kind == string(job.Grid) {
		kind = job.Grid
	}
	def := job.Definition{
		JobID:                            req.JobID,
		Priority:                         req.Priority,
		InterruptionProbabilityThreshold: req.InterruptionProbabilityThreshold,
	}
	var created *job.State
	err := h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		created = h.loop.Engine.AddJob(ctx, def, req.ResourcesRequired.toDomain(), kind)
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobId": created.Definition.JobID})
}

type taskDTO struct {
	TaskID           string `json:"taskId" binding:"required"`
	PickledArguments []byte `json:"pickledArguments"`
}

type addTasksRequest struct {
	Tasks         []taskDTO `json:"tasks"`
	AllTasksAdded bool      `json:"allTasksAdded"`
}

func (h *handlers) addTasks(c *gin.Context) {
	jobID := c.Param("job_id")
	var req addTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tasks := make([]*job.GridTask, len(req.Tasks))
	for i, t := range req.Tasks {
		tasks[i] = &job.GridTask{TaskID: t.TaskID, PickledArguments: t.PickledArguments}
	}
	var handlerErr error
	err := h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		handlerErr = h.loop.Engine.AddTasks(ctx, jobID, tasks, req.AllTasksAdded)
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if handlerErr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": handlerErr.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getSimpleJobStates(c *gin.Context) {
	ids := c.QueryArray("jobId")
	out := map[string]processstate.State{}
	_ = h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		for _, id := range ids {
			if j, ok := h.loop.Engine.Job(id); ok && j.Kind == job.Simple {
				out[id] = j.SimpleState
			}
		}
	})
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getGridTaskStates(c *gin.Context) {
	jobID := c.Param("job_id")
	out := map[string]processstate.State{}
	notFound := false
	_ = h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		j, ok := h.loop.Engine.Job(jobID)
		if !ok || j.Kind != job.Grid {
			notFound = true
			return
		}
		for id, t := range j.AllTasks {
			out[id] = t.State
		}
	})
	if notFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type stateUpdateDTO struct {
	JobID    string      `json:"jobId" binding:"required"`
	WorkerID string      `json:"workerId"`
	State    string      `json:"state" binding:"required"`
	Payload  interface{} `json:"payload,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func (h *handlers) updateJobStates(c *gin.Context) {
	var updates []stateUpdateDTO
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := map[string]string{}
	_ = h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		for _, u := range updates {
			state := processstate.State(u.State)
			if !state.Valid() {
				results[u.JobID] = "invalid state"
				continue
			}
			if err := h.loop.Engine.UpdateJobState(ctx, u.JobID, processstate.Result{State: state, Payload: u.Payload, ErrorMsg: u.Error}); err != nil {
				results[u.JobID] = err.Error()
			} else {
				results[u.JobID] = "ok"
			}
		}
	})
	c.JSON(http.StatusOK, results)
}

// gridStateUpdateDTO mirrors update_grid_task_state_and_get_next's request
// shape (§6.1): job_id, worker_id, task_id? and ProcessState? are both
// optional, so a worker can call this with neither to request its first (or
// next) task rather than needing a separate poll RPC.
type gridStateUpdateDTO struct {
	JobID    string      `json:"jobId" binding:"required"`
	WorkerID string      `json:"workerId" binding:"required"`
	TaskID   string      `json:"taskId,omitempty"`
	State    string      `json:"state,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// updateGridTaskState implements update_grid_task_state_and_get_next: the
// response carries the worker's next task directly, whether that task was
// just assigned in response to a bare "what do I run" request or as a
// result of reporting completion of the one it just finished, so a grid
// worker never needs a second poll to learn what to run next.
func (h *handlers) updateGridTaskState(c *gin.Context) {
	var u gridStateUpdateDTO
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var state processstate.State
	if u.State != "" {
		state = processstate.State(u.State)
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
	}
	var next *job.GridTask
	var handlerErr error
	err := h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		next, handlerErr = h.loop.Engine.UpdateGridTaskState(ctx, u.JobID, u.WorkerID, u.TaskID, processstate.Result{State: state, Payload: u.Payload, ErrorMsg: u.Error})
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if handlerErr != nil {
		c.JSON(http.StatusConflict, gin.H{"error": handlerErr.Error()})
		return
	}
	if next == nil {
		c.JSON(http.StatusOK, gin.H{"nextTask": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextTask": gin.H{"taskId": next.TaskID, "pickledArguments": next.PickledArguments}})
}

type registerAgentRequest struct {
	AgentID        string       `json:"agentId" binding:"required"`
	TotalResources resourcesDTO `json:"totalResources"`
}

func (h *handlers) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		h.loop.Engine.RegisterAgent(ctx, req.AgentID, req.TotalResources.toDomain())
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getNextJobs(c *gin.Context) {
	agentID := c.Param("agent_id")
	type pendingDTO struct {
		JobID        string `json:"jobId"`
		GridWorkerID string `json:"gridWorkerId,omitempty"`
	}
	var out []pendingDTO
	var handlerErr error
	err := h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		pending, e := h.loop.Engine.GetNextJobs(ctx, agentID)
		handlerErr = e
		for _, p := range pending {
			out = append(out, pendingDTO{JobID: p.JobID, GridWorkerID: p.GridWorkerID})
		}
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if handlerErr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": handlerErr.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listAgents(c *gin.Context) {
	type agentDTO struct {
		AgentID  string `json:"agentId"`
		Kind     string `json:"kind"`
		Liveness string `json:"liveness"`
	}
	var out []agentDTO
	_ = h.loop.Submit(c.Request.Context(), func(ctx context.Context) {
		for id, a := range h.loop.Engine.Agents() {
			out = append(out, agentDTO{AgentID: id, Kind: string(a.Kind), Liveness: string(a.Liveness)})
		}
	})
	c.JSON(http.StatusOK, out)
}

type addCredentialsRequest struct {
	Name    string `json:"name" binding:"required"`
	Service string `json:"service" binding:"required"`
	Payload []byte `json:"payload"`
}

func (h *handlers) addCredentials(c *gin.Context) {
	if h.creds == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "credential store not configured"})
		return
	}
	var req addCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.creds.Put(c.Request.Context(), req.Name, req.Service, req.Payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getCredential(c *gin.Context) {
	if h.creds == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "credential store not configured"})
		return
	}
	name := c.Param("name")
	service, payload, err := h.creds.Get(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "service": service, "payload": payload})
}
