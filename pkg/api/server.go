// Package api exposes the gateway's HTTP surface: health, model listing, and
// the chat WebSocket. Handlers stay thin; all conversation state lives in the
// session package.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/registry"
	"github.com/netchat/netchat/pkg/sanitize"
	"github.com/netchat/netchat/pkg/transport"
)

// Server wires the echo router to the shared collaborators.
type Server struct {
	cfg     *config.Config
	reg     *registry.Registry
	factory *transport.Factory
	kind    transport.Kind
	san     *sanitize.Sanitizer
	logger  *slog.Logger

	// originPatterns are the allowed origins reduced to host[:port] form for
	// the WebSocket accept check.
	originPatterns []string

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer builds the router and the underlying HTTP server. kind selects
// the transport implementation sessions are given; production wiring passes
// transport.KindDirect. Start and Shutdown control the listener; Handler
// exposes the router for tests.
func NewServer(cfg *config.Config, reg *registry.Registry, factory *transport.Factory, kind transport.Kind, san *sanitize.Sanitizer, logger *slog.Logger) *Server {
	if kind == "" {
		kind = transport.KindDirect
	}
	s := &Server{
		cfg:            cfg,
		reg:            reg,
		factory:        factory,
		kind:           kind,
		san:            san,
		logger:         logger,
		originPatterns: originHosts(cfg.Server.AllowedOrigins),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.corsMiddleware())

	e.GET("/health", s.healthHandler)
	e.GET("/models", s.modelsHandler)
	e.GET("/ws/chat", s.wsHandler)

	s.echo = e
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Server.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// originHosts reduces configured origins (scheme://host[:port]) to the
// host[:port] patterns the WebSocket library matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
