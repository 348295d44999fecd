package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"listing-sniper/internal/database"
	"listing-sniper/internal/risk"
)

// handleStatus aggregates component statistics into one view
func (s *Server) handleStatus(c *gin.Context) {
	counts, err := s.repo.CountTargetsByStatus(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to count targets")
		return
	}

	breakers := make([]map[string]interface{}, 0)
	for _, b := range s.breakers.All() {
		breakers = append(breakers, b.Stats())
	}

	successResponse(c, gin.H{
		"targets":   counts,
		"scheduler": s.sched.GetStats(),
		"bridge":    s.bridge.GetStats(),
		"safety":    s.coordinator.GetStatus(),
		"breakers":  breakers,
		"events_dropped": func() int64 {
			if s.bus == nil {
				return 0
			}
			return s.bus.Dropped()
		}(),
	})
}

// handleListTargets returns targets, optionally filtered by status
func (s *Server) handleListTargets(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	targets, err := s.repo.ListTargets(c.Request.Context(), status, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to list targets")
		return
	}
	successResponse(c, targets)
}

func (s *Server) handleGetTarget(c *gin.Context) {
	target, err := s.repo.GetTargetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrTargetNotFound) {
			errorResponse(c, http.StatusNotFound, "target not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to load target")
		return
	}
	successResponse(c, target)
}

type createTargetRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Quantity   float64 `json:"quantity" binding:"required,gt=0"`
	LimitPrice float64 `json:"limit_price"`
	Priority   int     `json:"priority"`
	MaxRetries int     `json:"max_retries"`
	Ready      bool    `json:"ready"`
}

// handleCreateTarget lets an operator queue a target directly, including
// re-opening a symbol whose previous target was risk-rejected.
func (s *Server) handleCreateTarget(c *gin.Context) {
	var req createTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	status := database.TargetStatusPending
	if req.Ready {
		status = database.TargetStatusReady
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	target := &database.ExecutionTarget{
		ID:         uuid.New().String(),
		Symbol:     req.Symbol,
		Side:       "BUY",
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		Priority:   req.Priority,
		Status:     status,
		MaxRetries: maxRetries,
		Source:     database.TargetSourceOperator,
	}
	if req.LimitPrice > 0 {
		target.EntryStrategy = database.EntryStrategyLimit
	}

	// The insert would also catch this, but the pre-check distinguishes a
	// duplicate from a storage failure in the response.
	if exists, err := s.repo.HasLiveTarget(c.Request.Context(), "system", target.Symbol); err == nil && exists {
		errorResponse(c, http.StatusConflict, "a live target already exists for this symbol")
		return
	}

	inserted, err := s.repo.CreateTarget(c.Request.Context(), target)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to create target")
		return
	}
	if !inserted {
		errorResponse(c, http.StatusConflict, "a live target already exists for this symbol")
		return
	}

	if s.bus != nil {
		s.bus.PublishTargetLifecycle(target.ID, target.Symbol, "", target.Status, "operator created")
	}
	successResponse(c, target)
}

// handleMarkReady promotes a pending target to ready, for operator-created
// targets queued without immediate execution.
func (s *Server) handleMarkReady(c *gin.Context) {
	id := c.Param("id")
	err := s.repo.MarkReady(c.Request.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrTargetConflict):
		errorResponse(c, http.StatusConflict, "target is not pending")
		return
	default:
		errorResponse(c, http.StatusInternalServerError, "failed to promote target")
		return
	}

	if s.bus != nil {
		s.bus.PublishTargetLifecycle(id, "", database.TargetStatusPending,
			database.TargetStatusReady, "promoted by operator "+c.GetString("operator"))
	}
	successResponse(c, gin.H{"id": id, "status": database.TargetStatusReady})
}

// handleCancelTarget cancels a pending or ready target. Targets already
// executing or finished report a conflict.
func (s *Server) handleCancelTarget(c *gin.Context) {
	id := c.Param("id")
	operator := c.GetString("operator")
	reason := "cancelled by operator"
	if operator != "" {
		reason = "cancelled by operator " + operator
	}

	err := s.repo.CancelTarget(c.Request.Context(), id, reason)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrTargetNotFound):
		errorResponse(c, http.StatusNotFound, "target not found")
		return
	case errors.Is(err, database.ErrTargetConflict):
		errorResponse(c, http.StatusConflict, "target is executing or already finished")
		return
	default:
		errorResponse(c, http.StatusInternalServerError, "failed to cancel target")
		return
	}

	if s.bus != nil {
		s.bus.PublishTargetLifecycle(id, "", "", database.TargetStatusCancelled, reason)
	}
	successResponse(c, gin.H{"id": id, "status": database.TargetStatusCancelled})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	journal, err := s.repo.GetRecentEvents(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load events")
		return
	}
	successResponse(c, journal)
}

func (s *Server) handleSafetyStatus(c *gin.Context) {
	successResponse(c, s.coordinator.GetStatus())
}

// handleListAlerts returns the coordinator's live alerts, or the persisted
// journal copy with ?stored=true.
func (s *Server) handleListAlerts(c *gin.Context) {
	if c.Query("stored") == "true" {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		alerts, err := s.repo.ListUnresolvedAlerts(c.Request.Context(), limit)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "failed to load stored alerts")
			return
		}
		successResponse(c, alerts)
		return
	}
	successResponse(c, s.coordinator.GetActiveAlerts())
}

func (s *Server) handleAckAlert(c *gin.Context) {
	id := c.Param("id")
	if err := s.coordinator.AcknowledgeAlert(id); err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	// Best effort: the persisted copy may lag the in-memory alert.
	_ = s.repo.AcknowledgeAlert(c.Request.Context(), id)
	successResponse(c, gin.H{"id": id, "acknowledged": true})
}

func (s *Server) handleCircuitStats(c *gin.Context) {
	stats := make([]map[string]interface{}, 0)
	for _, b := range s.breakers.All() {
		stats = append(stats, b.Stats())
	}
	successResponse(c, stats)
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	class := c.Param("class")
	breaker := s.breakers.Get(class)
	breaker.ForceReset()
	s.logger.Info().Str("call_class", class).Str("operator", c.GetString("operator")).
		Msg("circuit breaker manually reset")
	successResponse(c, breaker.Stats())
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	successResponse(c, gin.H{
		"portfolio":         s.riskEngine.GetPortfolioRiskMetrics(),
		"market_conditions": s.riskEngine.GetMarketConditions(),
		"emergency_active":  s.riskEngine.IsEmergencyActive(),
	})
}

func (s *Server) handleStressTest(c *gin.Context) {
	successResponse(c, gin.H{
		"results":      s.riskEngine.PerformStressTest(),
		"generated_at": time.Now(),
	})
}

func (s *Server) handleMarketConditions(c *gin.Context) {
	var update risk.MarketConditionsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.riskEngine.UpdateMarketConditions(update); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, s.riskEngine.GetMarketConditions())
}
