// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package web exposes the gateway's HTTP API.
//
// The API serves three audiences: operators reading live device and node
// state, dashboards querying historical energy consumption, and deployment
// tooling probing health and readiness.
//
// # Endpoints
//
// Authenticated under /api (bearer token, when configured):
//
//	GET    /api/devices                  - all registered meters
//	POST   /api/devices                  - create a meter from a record
//	GET    /api/devices/:id              - one meter snapshot
//	DELETE /api/devices/:id              - stop and remove a meter
//	GET    /api/devices/:id/nodes        - live node state
//	GET    /api/devices/:id/nodes/:name  - extended node information
//	GET    /api/devices/:id/energy       - historical energy + power factor
//
// Unauthenticated, rate limited to 10 req/s with a burst of 20:
//
//	GET /health  - liveness
//	GET /ready   - readiness (time-series store health)
//
// Plus GET /metrics for Prometheus.
package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/energy-meter-gateway/manager"
	"github.com/soothill/energy-meter-gateway/meter"
	"github.com/soothill/energy-meter-gateway/pkg/logger"
)

const (
	readinessTimeout = 2 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// HealthChecker reports the readiness of the time-series store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server is the gateway HTTP API.
type Server struct {
	manager   *manager.Manager
	querier   meter.LogQuerier
	health    HealthChecker
	authToken string

	httpServer *http.Server
}

// New builds the server and its routes.
func New(address, authToken string, mgr *manager.Manager, querier meter.LogQuerier, health HealthChecker) *Server {
	s := &Server{
		manager:   mgr,
		querier:   querier,
		health:    health,
		authToken: authToken,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// 10 req/s with burst of 20 to prevent abuse of the unauthenticated
	// endpoints.
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	router.GET("/health", rateLimit(healthLimiter), s.handleHealth)
	router.GET("/ready", rateLimit(readyLimiter), s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", s.authenticate)
	{
		api.GET("/devices", s.handleListDevices)
		api.POST("/devices", s.handleCreateDevice)
		api.GET("/devices/:id", s.handleGetDevice)
		api.DELETE("/devices/:id", s.handleDeleteDevice)
		api.GET("/devices/:id/nodes", s.handleDeviceNodes)
		api.GET("/devices/:id/nodes/:name", s.handleNodeInfo)
		api.GET("/devices/:id/energy", s.handleEnergy)
	}

	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves the API in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP API server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
}

// requestLogger logs one line per request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// rateLimit rejects requests over the limiter's budget with 429.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn().Str("path", c.Request.URL.Path).Str("remote_addr", c.ClientIP()).
				Msg("Rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// authenticate enforces the bearer token on the /api group. With no token
// configured the API is open, which is only sane behind a reverse proxy.
func (s *Server) authenticate(c *gin.Context) {
	if s.authToken == "" {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	expected := "Bearer " + s.authToken
	if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleReady(c *gin.Context) {
	if s.health == nil {
		c.String(http.StatusOK, "READY")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	if err := s.health.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: time-series store unhealthy")
		c.String(http.StatusServiceUnavailable, "NOT READY: time-series store unhealthy")
		return
	}
	c.String(http.StatusOK, "READY")
}
