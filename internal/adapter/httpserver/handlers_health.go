package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/epanel3-site/django-clientsignal/internal/platform/version"
)

// HealthCheck is one named dependency check, typically the relay ping.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status      string `json:"status"`
	FailedCheck string `json:"failed_check,omitempty"`
	Error       string `json:"error,omitempty"`
}

type livenessResponse struct {
	Status string  `json:"status"`
	NodeID string  `json:"node_id,omitempty"`
	Uptime float64 `json:"uptime"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/startup", s.checkHealth(2*time.Second))
	s.echo.GET("/health/ready", s.checkHealth(5*time.Second))
	s.echo.GET("/version", s.handleVersion)
}

// handleLiveness never touches dependencies: a process that answers is alive.
func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, livenessResponse{
		Status: "ok",
		NodeID: s.nodeID,
		Uptime: s.clock.Since(s.startTime).Seconds(),
	})
}

// checkHealth runs every health check in order under timeout and reports the
// first failure as 503.
func (s *Server) checkHealth(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		for _, hc := range s.healthChecks {
			if err := hc.Check(ctx); err != nil {
				return writeJSON(c, http.StatusServiceUnavailable, healthResponse{
					Status:      "unhealthy",
					FailedCheck: hc.Name,
					Error:       err.Error(),
				})
			}
		}
		return writeJSON(c, http.StatusOK, healthResponse{Status: "ready"})
	}
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write %s response: %w", c.Path(), err)
	}
	return nil
}
