package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv         string `env:"APP_ENV" default:"development"`
	Port           string `env:"PORT" default:"8080"`
	AppURL         string `env:"APP_URL" default:"http://localhost:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	LogLevel       string `env:"LOG_LEVEL" default:"info"`
	LogFormat      string `env:"LOG_FORMAT" default:"text"`
	HostID         string `env:"HOST_ID"`
	SessionSecret  string `env:"SESSION_SECRET"`
	SessionCookie  string `env:"SESSION_COOKIE" default:"clientsignal-session"`

	Backend          string        `env:"CLIENTSIGNAL_BACKEND" default:"redis://localhost:6379/0"`
	ChannelPrefix    string        `env:"CLIENTSIGNAL_CHANNEL_PREFIX" default:"clientsignal"`
	WireFormat       string        `env:"CLIENTSIGNAL_WIRE_FORMAT" default:"plain"`
	JSONEncoder      string        `env:"CLIENTSIGNAL_JSON_ENCODER" default:"std"`
	ObjectHook       string        `env:"CLIENTSIGNAL_OBJECT_HOOK" default:"identity"`
	Connections      string        `env:"CLIENTSIGNAL_CONNECTIONS" default:"/signals=relay,/stats=stats"`
	StatsPeriod      time.Duration `env:"CLIENTSIGNAL_STATS_PERIOD" default:"5s"`
	StatsConnections string        `env:"CLIENTSIGNAL_STATS_CONNECTIONS" default:"relay"`
	PoolSize         int           `env:"CLIENTSIGNAL_POOL_SIZE" default:"500"`
	PoolTimeout      time.Duration `env:"CLIENTSIGNAL_POOL_TIMEOUT" default:"2s"`
	NodeHeartbeat    time.Duration `env:"CLIENTSIGNAL_NODE_HEARTBEAT" default:"15s"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	// Routes is Connections parsed; filled by Load.
	Routes []Route
}

// Route binds a socket URL path to a connection class of some kind.
type Route struct {
	Path  string
	Class string
	Kind  string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.HostID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.HostID = host
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"SESSION_SECRET":              cfg.SessionSecret,
		"CLIENTSIGNAL_BACKEND":        cfg.Backend,
		"CLIENTSIGNAL_CHANNEL_PREFIX": cfg.ChannelPrefix,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	routes, err := ParseRoutes(cfg.Connections)
	if err != nil {
		return fmt.Errorf("CLIENTSIGNAL_CONNECTIONS: %w", err)
	}
	cfg.Routes = routes

	if cfg.StatsPeriod < 0 {
		return errors.New("CLIENTSIGNAL_STATS_PERIOD must not be negative")
	}
	if cfg.PoolSize <= 0 {
		return errors.New("CLIENTSIGNAL_POOL_SIZE must be positive")
	}
	if cfg.PoolTimeout <= 0 {
		return errors.New("CLIENTSIGNAL_POOL_TIMEOUT must be positive")
	}

	return nil
}

// ParseRoutes parses "path=kind" or "path=class:kind" pairs separated by commas.
// A bare kind also names the class. Order is preserved.
func ParseRoutes(raw string) ([]Route, error) {
	var routes []Route
	seen := make(map[string]bool)

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		path, target, ok := strings.Cut(part, "=")
		path, target = strings.TrimSpace(path), strings.TrimSpace(target)
		if !ok || path == "" || target == "" {
			return nil, fmt.Errorf("invalid route %q, want path=class[:kind]", part)
		}
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("route path %q must start with /", path)
		}
		if seen[path] {
			return nil, fmt.Errorf("duplicate route path %q", path)
		}
		seen[path] = true

		class, kind, hasKind := strings.Cut(target, ":")
		if !hasKind {
			kind = class
		}
		if class == "" || kind == "" {
			return nil, fmt.Errorf("invalid route target %q", target)
		}

		routes = append(routes, Route{Path: path, Class: class, Kind: kind})
	}

	if len(routes) == 0 {
		return nil, errors.New("at least one route is required")
	}
	return routes, nil
}

// StatsClasses splits StatsConnections into class names.
func (c *Config) StatsClasses() []string {
	return splitList(c.StatsConnections)
}

func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}
