// Package gateway provides the HTTP gateway server: the middleware chain,
// the control-plane API routes, the health probe, and the remote-agent
// websocket endpoint.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	v1 "vibeforge/api/v1"
	"vibeforge/internal/config"
	"vibeforge/internal/gateway/handlers"
	"vibeforge/internal/gateway/middleware"
	"vibeforge/internal/gateway/websocket"
	"vibeforge/internal/remoteagent"
	"vibeforge/pkg/logger"
)

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	config      *config.Config
	rateLimiter *middleware.RateLimiter
	apiRouter   *v1.Router
	remote      *remoteagent.Manager
}

// NewServer creates a gateway server over the control-plane dependencies.
// deps.Remote also backs the /ws agent channel.
func NewServer(cfg *config.Config, deps *v1.RouterDeps) *Server {
	router := mux.NewRouter()

	rlConfig := middleware.RateLimiterConfig{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		Burst:             cfg.Gateway.RateLimit.Burst,
		Enabled:           cfg.Gateway.RateLimit.Enabled,
		CleanupInterval:   cfg.Gateway.RateLimit.CleanupInterval,
	}
	if rlConfig.RequestsPerMinute == 0 {
		rlConfig.RequestsPerMinute = 60
	}
	if rlConfig.Burst == 0 {
		rlConfig.Burst = 10
	}
	if rlConfig.CleanupInterval == 0 {
		rlConfig.CleanupInterval = 5 * time.Minute
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)

	auth := middleware.Auth(middleware.AuthConfig{
		Tokens:      cfg.AuthTokens(),
		ExemptPaths: []string{"/health", "/ws"},
	})

	// Middleware chain: Recovery -> Logging -> CORS -> RateLimit -> Auth -> Version
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				rateLimiter.RateLimit(
					auth(middleware.Version(middleware.DefaultVersionConfig())(router)),
				),
			),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 0, // long-polling dispatch waits are bounded per request
			IdleTimeout:  120 * time.Second,
		},
		router:      router,
		config:      cfg,
		rateLimiter: rateLimiter,
		remote:      deps.Remote,
	}
	s.apiRouter = v1.NewRouter(deps)
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.apiRouter.RegisterRoutes(s.router)

	s.router.HandleFunc("/health", handlers.HealthHandler(s.config.Version)).Methods(http.MethodGet)

	// Remote agent bridges connect here and authenticate inside their
	// register frame.
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeAgentWS(s.remote, w, r)
	})
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	handlers.InitStartTime()

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.httpServer.Addr = addr

	logger.Info().Str("addr", addr).Msg("Starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server: stop accepting requests, then
// close every agent connection with a shutdown reason.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	if s.remote != nil {
		s.remote.Shutdown()
	}

	if err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the full middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
