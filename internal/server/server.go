// Package server exposes the riskgate ops and admin HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/admission"
	"github.com/Aidin1998/riskgate/internal/messaging"
)

// Config configures the HTTP listener.
type Config struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// DeadLetterLister reads back recorded dead letters.
type DeadLetterLister interface {
	List(limit int) ([]messaging.DeadLetter, error)
}

// Server represents the HTTP server
type Server struct {
	cfg    Config
	svc    *admission.Service
	bus    messaging.Bus
	group  string
	checks map[string]HealthCheck
	dead   DeadLetterLister
	logger *zap.Logger
}

// New creates the server. group is the consumer group whose backlog
// /v1/streams reports.
func New(cfg Config, svc *admission.Service, bus messaging.Bus, group string, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		bus:    bus,
		group:  group,
		checks: make(map[string]HealthCheck),
		logger: logger.With(zap.String("component", "http")),
	}
}

// AddHealthCheck registers a named dependency probe for /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// SetDeadLetters enables GET /v1/deadletters.
func (s *Server) SetDeadLetters(l DeadLetterLister) {
	s.dead = l
}

// Router creates the HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/streams/:topic/pending", s.handlePending)
		v1.GET("/deadletters", s.handleDeadLetters)

		riskGroup := v1.Group("/risk")
		{
			riskGroup.GET("/limits/:user", s.handleGetLimits)
			riskGroup.PUT("/limits/:user", s.handlePutLimits)
			riskGroup.POST("/limits/:user/deactivate", s.handleDeactivateLimits)
			riskGroup.POST("/accounts/:user/reset-hwm", s.handleResetHighWaterMark)
			riskGroup.GET("/violations/:user", s.handleViolations)
			riskGroup.POST("/violations/:user/:id/resolve", s.handleResolveViolation)
			riskGroup.GET("/summary/:user", s.handleSummary)
			riskGroup.GET("/halts", s.handleHalts)
			riskGroup.POST("/killswitch/:user/clear", s.handleClearKillSwitch)
		}

		v1.POST("/orders/check", s.handleCheckOrder)

		v1.GET("/breakers", s.handleBreakers)
		v1.DELETE("/breakers/:symbol", s.handleClearBreaker)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

func (s *Server) handlePending(c *gin.Context) {
	topic := c.Param("topic")
	group := c.DefaultQuery("group", s.group)
	ctx := c.Request.Context()

	summary, err := s.bus.Pending(ctx, topic, group)
	if err != nil {
		writeError(c, err)
		return
	}
	length, err := s.bus.Len(ctx, topic)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"topic":     topic,
		"group":     group,
		"length":    length,
		"pending":   summary.Count,
		"oldest_id": summary.OldestID,
		"newest_id": summary.NewestID,
		"consumers": summary.Consumers,
	}
	if c.Query("entries") == "true" {
		entries, err := s.bus.PendingEntries(ctx, topic, group, 100)
		if err != nil {
			writeError(c, err)
			return
		}
		views := make([]gin.H, 0, len(entries))
		for _, e := range entries {
			views = append(views, gin.H{
				"id":         e.ID,
				"consumer":   e.Consumer,
				"idle_ms":    e.Idle.Milliseconds(),
				"deliveries": e.Deliveries,
			})
		}
		resp["entries"] = views
	}
	c.JSON(http.StatusOK, resp)
}
