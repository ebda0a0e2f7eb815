// Package http provides the HTTP control surface for radiarr: the JSON
// API, the event feed, and the live audio re-serve all hang off one
// chi router fronted by a Huma API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmylchreest/radiarr/internal/http/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "0.0.0.0").
	Host string
	// Port is the port to listen on (default: 7979).
	Port int
	// ReadTimeout bounds reading an entire request.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Streaming handlers clear the
	// deadline on their own connections, so this only constrains API
	// responses.
	WriteTimeout time.Duration
	// IdleTimeout is how long a keep-alive connection may sit idle.
	IdleTimeout time.Duration
	// ShutdownTimeout is the grace period for draining connections on
	// shutdown before they are cut.
	ShutdownTimeout time.Duration
	// CORSOrigins lists origins allowed to call the API. Empty allows all.
	CORSOrigins []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            7979,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server ties the router, the Huma API, and the listener together.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer assembles the router, middleware chain, and OpenAPI surface.
// The version string ends up in the OpenAPI document and should match
// the build version.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := newRouter(config, logger)

	// The built-in docs UI is served at /docs.
	humaConfig := huma.DefaultConfig("radiarr API", version)
	humaConfig.Info.Description = "Resilient live radio streaming engine"

	return &Server{
		config: config,
		router: router,
		api:    humachi.New(router, humaConfig),
		logger: logger,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// newRouter builds the chi router with the shared middleware chain.
// Order matters: the request ID must exist before the access log reads
// it, and compression sits innermost so the streaming bypass sees the
// final request.
func newRouter(config ServerConfig, logger *slog.Logger) *chi.Mux {
	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(config.CORSOrigins))
	router.Use(middleware.StreamAwareCompression(chimiddleware.Compress(5)))
	return router
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the chi router for routes that bypass Huma, such as
// the event feed and the live audio re-serve.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves until ctx is canceled, then drains. Connections
// still open after the grace period, usually event feeds or live audio
// listeners, are cut so shutdown cannot hang on them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening",
			slog.String("address", s.httpServer.Addr),
		)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server",
		slog.Duration("grace", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing remaining connections",
			slog.String("error", err.Error()),
		)
		return s.httpServer.Close()
	}

	s.logger.Info("http server stopped")
	return nil
}
