// Package api exposes the control and status HTTP surface: component
// states, positions, learnings, the audit tail, kill switch and breaker
// controls, and a websocket tap on the event bus. Control actions go
// through the same durable paths as internal callers — the state store
// and the bus — so an operator request leaves the same audit trail as
// any component.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/botfunk/internal/alerts"
	"github.com/ajitpratap0/botfunk/internal/breaker"
	"github.com/ajitpratap0/botfunk/internal/bus"
	"github.com/ajitpratap0/botfunk/internal/learning"
	"github.com/ajitpratap0/botfunk/internal/metrics"
	"github.com/ajitpratap0/botfunk/internal/state"
	"github.com/ajitpratap0/botfunk/internal/supervisor"
	"github.com/ajitpratap0/botfunk/internal/trade"
)

// Config holds the HTTP server settings.
type Config struct {
	Host         string
	Port         int
	AllowOrigins []string
}

func (c Config) normalized() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	if len(c.AllowOrigins) == 0 {
		c.AllowOrigins = []string{"*"}
	}
	return c
}

// Deps are the surfaces the API reads and controls. Any nil field turns
// its endpoints into 503s instead of panics, so the server can come up
// before every component does.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Engine     *trade.Engine
	Learnings  *learning.Store
	State      *state.Store
	Bus        *bus.Bus
	Breakers   *breaker.Registry
	Alerts     *alerts.Manager
}

// Server is the control/status HTTP server. It implements the supervised
// worker contract so the supervisor owns its lifecycle like any other
// component.
type Server struct {
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	router *gin.Engine

	mu      sync.Mutex
	httpSrv *http.Server
	started time.Time
	lastErr error
}

// NewServer builds the router and handlers. Nothing listens until Run.
func NewServer(cfg Config, deps Deps, log zerolog.Logger) *Server {
	cfg = cfg.normalized()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.router = router
	s.setupRoutes()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Initialize prepares the HTTP server.
func (s *Server) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket taps hold the connection open
		IdleTimeout:  60 * time.Second,
	}
	s.started = time.Now()
	s.lastErr = nil
	s.mu.Unlock()
	s.log.Info().Str("addr", s.Addr()).Msg("API server initialized")
	return nil
}

// Run serves until the context is canceled. A listen failure (port taken,
// bad address) returns immediately so the supervisor can back off.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return errors.New("api server not initialized")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			return err
		}
		return errors.New("http server closed unexpectedly")
	}
}

// Shutdown stops the listener if Run has not already done so.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info().Msg("API server stopped")
	return nil
}

// Health reports the last serve error.
func (s *Server) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// requestLogger logs and measures one line per request. The metric label
// uses the route template, not the raw path, to keep cardinality bounded.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, route,
			strconv.Itoa(c.Writer.Status()), float64(latency.Milliseconds()))

		event := s.log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.log.Error()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}

// setupRoutes wires every endpoint.
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/positions", s.handlePositions)
		v1.GET("/learnings", s.handleLearnings)
		v1.GET("/audit", s.handleAudit)
		v1.GET("/events", s.handleEvents)

		control := v1.Group("/control")
		{
			control.POST("/killswitch", s.handleKillSwitch)
			control.POST("/restart", s.handleRestart)
			control.POST("/breaker", s.handleBreaker)
		}
	}
}
