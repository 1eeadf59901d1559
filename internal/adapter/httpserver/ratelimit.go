package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

// rateLimit is a per-client-IP token bucket for admin endpoints.
type rateLimit struct {
	PerSecond float64
	Burst     int
	// Expiry drops the bucket of an IP that has been idle this long.
	Expiry time.Duration
}

var nodesRateLimit = rateLimit{PerSecond: 5, Burst: 10, Expiry: 5 * time.Minute}

// retryAfter is the whole number of seconds until one token refills.
func (l rateLimit) retryAfter() string {
	if l.PerSecond <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / l.PerSecond)))
}

func (l rateLimit) middleware() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(l.PerSecond),
		Burst:     l.Burst,
		ExpiresIn: l.Expiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, ip string, _ error) error {
			c.Response().Header().Set("Retry-After", l.retryAfter())
			return c.JSON(http.StatusTooManyRequests, cserrors.Response{Error: "rate limit exceeded"})
		},
	})
}
