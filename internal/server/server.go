// Package server exposes detection, protection and restoration over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/masking"
	"github.com/raaihank/phi-sentinel/internal/metrics"
	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/websocket"
)

// Server is the protection API server
type Server struct {
	rt       *app.Runtime
	config   *config.Config
	logger   *logger.Logger
	hub      *websocket.Hub
	limiter  *RateLimiter
	patterns map[privacy.EntityKind]config.MaskPattern
	router   *mux.Router
	server   *http.Server
	version  string
	started  time.Time
}

// New creates a server over rt. hub may be nil when websockets are
// disabled.
func New(rt *app.Runtime, hub *websocket.Hub, version string) (*Server, error) {
	patterns, err := masking.MergePatterns(masking.DefaultPatterns(), rt.Config.Masking.Patterns)
	if err != nil {
		return nil, err
	}

	s := &Server{
		rt:       rt,
		config:   rt.Config,
		logger:   rt.Logger.WithComponent("server"),
		hub:      hub,
		limiter:  NewRateLimiter(rt.Config.RateLimit),
		patterns: patterns,
		router:   mux.NewRouter(),
		version:  version,
		started:  time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.hub != nil {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	if s.rt.Metrics != nil {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/protect", s.handleProtect).Methods(http.MethodPost)
	api.HandleFunc("/restore", s.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/mask", s.handleMask).Methods(http.MethodPost)
	api.HandleFunc("/policy", s.handlePolicy).Methods(http.MethodGet)
	api.HandleFunc("/policy/refresh", s.handlePolicyRefresh).Methods(http.MethodPost)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop. It returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting PHI-Sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("websocket", s.hub != nil),
		zap.Bool("metrics", s.rt.Metrics != nil),
		zap.Bool("rate_limit", s.config.RateLimit.Enabled),
	)

	stop := make(chan struct{})
	defer close(stop)
	go s.limiter.cleanupLoop(stop, 10*time.Minute)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PHI-Sentinel server")
	return s.server.Shutdown(ctx)
}
