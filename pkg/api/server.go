// Package api exposes the read-mostly observability surface over HTTP:
// run submission, run status, cost snapshots, and budget state.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runcore-io/runcore/pkg/budget"
	"github.com/runcore-io/runcore/pkg/engine"
	"github.com/runcore-io/runcore/pkg/ledger"
	"github.com/runcore-io/runcore/pkg/models"
)

// Server serves the HTTP API.
type Server struct {
	engine   *engine.Engine
	ledger   *ledger.Ledger
	budget   *budget.Manager
	gatherer prometheus.Gatherer
}

func newRunID() string { return uuid.New().String() }

// NewServer creates the API server. gatherer may be nil to disable /metrics.
func NewServer(e *engine.Engine, l *ledger.Ledger, b *budget.Manager, gatherer prometheus.Gatherer) *Server {
	return &Server{engine: e, ledger: l, budget: b, gatherer: gatherer}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/runs", s.SubmitRun)
		v1.GET("/runs/:id", s.GetRun)
		v1.POST("/runs/:id/cancel", s.CancelRun)
		v1.GET("/runs/:id/cost", s.GetRunCost)
		v1.GET("/runs/:id/budget", s.GetRunBudget)
	}
	return r
}

// Health handles GET /healthz.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// SubmitRunRequest is the request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	RunID     string           `json:"run_id"`
	SessionID string           `json:"session_id"`
	AgentType string           `json:"agent_type"`
	Prompt    string           `json:"prompt" binding:"required"`
	History   []models.Message `json:"history"`
}

// SubmitRun handles POST /api/v1/runs. The run executes in the background;
// the response carries the ids to poll with.
func (s *Server) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runReq := engine.RunRequest{
		RunID:     req.RunID,
		SessionID: req.SessionID,
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		History:   req.History,
	}
	if runReq.RunID == "" {
		runReq.RunID = newRunID()
	}

	go func() {
		// Detached from the request context; the run outlives the HTTP call.
		if _, err := s.engine.Execute(context.Background(), runReq); err != nil {
			// Terminal statuses are persisted by the engine; nothing to do.
			_ = err
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     runReq.RunID,
		"session_id": runReq.SessionID,
		"status":     string(models.RunStatusPending),
	})
}

// GetRun handles GET /api/v1/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	runID := c.Param("id")
	run, found, err := s.engine.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %s not found", runID)})
		return
	}

	results, err := s.engine.GetTaskResults(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "task_results": results})
}

// CancelRun handles POST /api/v1/runs/:id/cancel.
func (s *Server) CancelRun(c *gin.Context) {
	runID := c.Param("id")
	if !s.engine.Cancel(runID) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("run %s is not executing", runID)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "cancelling": true})
}

// GetRunCost handles GET /api/v1/runs/:id/cost.
func (s *Server) GetRunCost(c *gin.Context) {
	runID := c.Param("id")
	snapshot, err := s.ledger.Aggregate(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetRunBudget handles GET /api/v1/runs/:id/budget.
func (s *Server) GetRunBudget(c *gin.Context) {
	runID := c.Param("id")
	remaining, err := s.budget.RemainingBudget(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	over, err := s.budget.IsOverBudget(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cfg := s.budget.GetConfig()
	c.JSON(http.StatusOK, gin.H{
		"run_id":           runID,
		"remaining_usd":    remaining,
		"over_budget":      over,
		"max_cost_per_run": cfg.MaxCostPerRun,
	})
}
