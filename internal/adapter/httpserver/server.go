package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/platform/config"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
)

// SocketRoute mounts a socket handler on a path.
type SocketRoute struct {
	Path    string
	Handler http.Handler
}

type nodeLister interface {
	Active(ctx context.Context) ([]relay.NodeInfo, error)
}

type Deps struct {
	Sockets      []SocketRoute
	Nodes        nodeLister
	NodeID       string
	HealthChecks []HealthCheck
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	sockets      []SocketRoute
	nodes        nodeLister
	nodeID       string
	healthChecks []HealthCheck
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		sockets:      deps.Sockets,
		nodes:        deps.Nodes,
		nodeID:       deps.NodeID,
		healthChecks: deps.HealthChecks,
		registry:     deps.Registry,
		httpMetrics:  deps.HTTPMetrics,
		clock:        clock,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "sockets", len(s.sockets))
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
