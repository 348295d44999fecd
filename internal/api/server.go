// Package api exposes the operator HTTP surface: status, targets, safety
// alerts, circuit breakers, and Prometheus metrics. The API observes and
// cancels; it never executes targets itself.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"listing-sniper/config"
	"listing-sniper/internal/bridge"
	"listing-sniper/internal/circuit"
	"listing-sniper/internal/database"
	"listing-sniper/internal/events"
	"listing-sniper/internal/risk"
	"listing-sniper/internal/safety"
	"listing-sniper/internal/scheduler"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	serverCfg config.ServerConfig
	authCfg   config.AuthConfig

	repo        *database.Repository
	coordinator *safety.Coordinator
	sched       *scheduler.Scheduler
	bridge      *bridge.Bridge
	riskEngine  *risk.Engine
	breakers    *circuit.Registry
	bus         *events.Bus

	hub *eventHub
}

// NewServer creates a new API server
func NewServer(
	serverCfg config.ServerConfig,
	authCfg config.AuthConfig,
	repo *database.Repository,
	coordinator *safety.Coordinator,
	sched *scheduler.Scheduler,
	br *bridge.Bridge,
	riskEngine *risk.Engine,
	breakers *circuit.Registry,
	bus *events.Bus,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if serverCfg.AllowedOrigins == "" || serverCfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(serverCfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		logger:      logger.With().Str("component", "api").Logger(),
		serverCfg:   serverCfg,
		authCfg:     authCfg,
		repo:        repo,
		coordinator: coordinator,
		sched:       sched,
		bridge:      br,
		riskEngine:  riskEngine,
		breakers:    breakers,
		bus:         bus,
		hub:         newEventHub(bus, logger),
	}

	router.Use(server.requestLogger())
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.hub.handleWebSocket)

	api := s.router.Group("/api")
	if s.authCfg.Enabled {
		api.Use(s.authMiddleware())
	}

	api.GET("/status", s.handleStatus)

	api.GET("/targets", s.handleListTargets)
	api.GET("/targets/:id", s.handleGetTarget)
	api.POST("/targets", s.handleCreateTarget)
	api.POST("/targets/:id/ready", s.handleMarkReady)
	api.POST("/targets/:id/cancel", s.handleCancelTarget)
	api.GET("/events", s.handleRecentEvents)

	api.GET("/safety/status", s.handleSafetyStatus)
	api.GET("/safety/alerts", s.handleListAlerts)
	api.POST("/safety/alerts/:id/ack", s.handleAckAlert)

	api.GET("/circuit", s.handleCircuitStats)
	api.POST("/circuit/:class/reset", s.handleCircuitReset)

	api.GET("/risk/metrics", s.handleRiskMetrics)
	api.GET("/risk/stress", s.handleStressTest)
	api.POST("/risk/market-conditions", s.handleMarketConditions)
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.serverCfg.Host, s.serverCfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.serverCfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.serverCfg.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	s.hub.close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
