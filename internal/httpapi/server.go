// Package httpapi exposes the dispatch pipeline over HTTP: an event
// webhook, status and session inspection, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/queue"
)

// Pipeline is the part of the coordinator the API drives. *queue.Manager
// implements it.
type Pipeline interface {
	Submit(ctx context.Context, ev queue.InboundEvent) error
	Status(ctx context.Context) (queue.Status, error)
	Cancel(ctx context.Context, conversationID string) (queue.CancelResult, error)
}

// Sessions is the read and reset view of the session registry.
// *conversation.Registry implements it.
type Sessions interface {
	Status(conversationID string) (conversation.SessionStatus, bool)
	Snapshot() []conversation.SessionStatus
	Reset(conversationID string) bool
}

// Config configures the HTTP server.
type Config struct {
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer        prometheus.Gatherer
	Addr            string
	Version         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8321",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the HTTP surface.
type Server struct {
	startTime  time.Time
	pipeline   Pipeline
	sessions   Sessions
	engine     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	cfg        Config
}

// NewServer builds the router.
func NewServer(cfg Config, pipeline Pipeline, sessions Sessions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	// Group conversation ids are base64 and may contain an escaped slash.
	engine.UseRawPath = true
	engine.Use(requestLogger(logger), gin.CustomRecovery(recoverHandler(logger)))

	s := &Server{
		startTime: time.Now(),
		pipeline:  pipeline,
		sessions:  sessions,
		engine:    engine,
		logger:    logger,
		cfg:       cfg,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/events", s.handleSubmit)
		v1.GET("/status", s.handleStatus)
		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:conversation", s.handleGetSession)
		v1.DELETE("/sessions/:conversation", s.handleResetSession)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("HTTP request", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}

func recoverHandler(logger *zap.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		logger.Error("PANIC in HTTP handler",
			zap.String("path", c.FullPath()),
			zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
