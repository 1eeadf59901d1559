package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/epanel3-site/django-clientsignal/internal/adapter/metrics"
)

func (s *Server) registerRoutes() {
	socketPaths := make([]string, 0, len(s.sockets))
	for _, route := range s.sockets {
		socketPaths = append(socketPaths, route.Path)
	}

	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware(socketPaths))
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(s.httpMetrics.Middleware(socketPaths...))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            63072000, // 2 years; only sent over HTTPS
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))

	s.registerHealthRoutes()
	s.registerSocketRoutes()

	s.echo.GET("/nodes", s.handleNodes, nodesRateLimit.middleware())
	if s.registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))
	}
}

func (s *Server) registerSocketRoutes() {
	for _, route := range s.sockets {
		s.echo.GET(route.Path, echo.WrapHandler(route.Handler))
		slog.Info("Socket route registered", "path", route.Path)
	}
}

func (s *Server) setupRequestLoggerMiddleware(socketPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(socketPaths))
	for _, path := range socketPaths {
		skip[path] = true
	}

	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper:    func(c echo.Context) bool { return skip[c.Path()] },
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
