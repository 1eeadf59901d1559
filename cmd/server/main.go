package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/httpserver"
	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
	"github.com/epanel3-site/django-clientsignal/internal/adapter/session"
	"github.com/epanel3-site/django-clientsignal/internal/adapter/websocket"
	"github.com/epanel3-site/django-clientsignal/internal/app"
	"github.com/epanel3-site/django-clientsignal/internal/bridge"
	"github.com/epanel3-site/django-clientsignal/internal/codec"
	"github.com/epanel3-site/django-clientsignal/internal/platform/config"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
	"github.com/epanel3-site/django-clientsignal/internal/platform/logging"
	"github.com/epanel3-site/django-clientsignal/internal/platform/version"
	"github.com/epanel3-site/django-clientsignal/internal/relay"
	"github.com/epanel3-site/django-clientsignal/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err, "error_kind", string(cserrors.KindOf(err)))
	os.Exit(1)
}

// newNodeID is unique per process, so workers sharing a host do not drop
// each other's relay frames as their own.
func newNodeID(host string) string {
	return host + "-" + uuid.NewString()[:8]
}

func setupRelay(ctx context.Context, cfg *config.Config, nodeID string, reg prometheus.Registerer) (relay.Backend, *relay.Relay) {
	relayMetrics := metrics.NewRelayMetrics(reg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	backend, dsn, err := relay.Open(connectCtx, cfg.Backend, relay.BackendOptions{
		PoolSize:    cfg.PoolSize,
		PoolTimeout: cfg.PoolTimeout,
		Metrics:     relayMetrics,
	})
	if err != nil {
		// An unreachable store degrades the relay; readiness reports it.
		if cserrors.IsFatal(err) || backend == nil {
			fatal("Failed to open relay backend", err)
		}
		slog.Warn("Relay backend degraded", "error", err, "error_kind", string(cserrors.KindOf(err)))
	}
	slog.Info("Relay backend opened", "backend", dsn.Redacted())

	engine, err := codec.Engine(cfg.JSONEncoder)
	if err != nil {
		fatal("Invalid JSON engine", err)
	}
	hook, err := codec.Hook(cfg.ObjectHook)
	if err != nil {
		fatal("Invalid object hook", err)
	}

	r := relay.New(backend, relay.Options{
		Prefix:  cfg.ChannelPrefix,
		NodeID:  nodeID,
		JSON:    engine,
		Hook:    hook,
		Pool:    relay.NewPool(cfg.PoolSize, cfg.PoolTimeout, relayMetrics),
		Metrics: relayMetrics,
	})
	return backend, r
}

func setupBridge(cfg *config.Config, r *relay.Relay, reg prometheus.Registerer) (*bridge.Bridge, *app.PingPong) {
	c, err := codec.ByName(cfg.WireFormat, cfg.JSONEncoder, cfg.ObjectHook)
	if err != nil {
		fatal("Invalid codec configuration", err)
	}

	store := session.NewStore(cfg.SessionSecret, cfg.SessionCookie, !cfg.IsDevelopment())

	b := bridge.New(bridge.Options{
		Codec:    c,
		Identity: session.NewCookieIdentityBuilder(store, cfg.SessionCookie),
		Relay:    r,
		Metrics:  metrics.NewBridgeMetrics(reg),
	})

	pingPong := app.NewPingPong(b)
	for _, route := range cfg.Routes {
		class, err := b.AddClass(route.Class, route.Kind)
		if err != nil {
			fatal("Failed to add connection class", err)
		}
		if class.Kind() != bridge.KindStats {
			pingPong.Register(class.Registry())
		}
	}

	return b, pingPong
}

func setupSockets(cfg *config.Config, b *bridge.Bridge, reg prometheus.Registerer, clock clockwork.Clock) []httpserver.SocketRoute {
	limits := websocket.NewConnectionLimits(
		int64(cfg.MaxWebSocketConnections),
		cfg.MaxConnectionsPerIP,
		cfg.ConnectionRate,
		cfg.ConnectionBurst,
		clock,
	)
	opts := websocket.Options{
		CheckOrigin: websocket.NewOriginPolicy(cfg.AppURL, cfg.Origins(), cfg.IsDevelopment()).Check,
		Limits:      limits,
		Metrics:     metrics.NewWebSocketMetrics(reg),
		Clock:       clock,
	}

	routes := make([]httpserver.SocketRoute, 0, len(cfg.Routes))
	for _, route := range cfg.Routes {
		routes = append(routes, httpserver.SocketRoute{
			Path:    route.Path,
			Handler: websocket.NewHandler(b, route.Class, opts),
		})
	}
	return routes
}

func runGracefulShutdown(srv *httpserver.Server, b *bridge.Bridge, stop context.CancelFunc, workers *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		b.DisconnectAll()
		stop()
		workers.Wait()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "host", cfg.HostID, "version", info.Short())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reg := metrics.NewRegistry()

	nodeID := newNodeID(cfg.HostID)
	backend, r := setupRelay(ctx, cfg, nodeID, reg)
	defer func() { _ = backend.Close() }()
	defer r.Close()

	b, pingPong := setupBridge(cfg, r, reg)
	defer pingPong.Close()

	aggregator, err := stats.New(b, cfg.StatsClasses(), cfg.HostID, cfg.StatsPeriod, clock)
	if err != nil {
		fatal("Failed to configure stats", err)
	}

	nodes := relay.NewNodes(backend, cfg.ChannelPrefix, nodeID, info.Short(), cfg.NodeHeartbeat, clock)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		aggregator.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		nodes.Start(ctx)
	}()

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Sockets: setupSockets(cfg, b, reg, clock),
		Nodes:   nodes,
		NodeID:  nodeID,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "relay", Check: r.Ping},
		},
		Registry:    reg,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		Clock:       clock,
	})

	done := runGracefulShutdown(srv, b, stop, &workers)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
