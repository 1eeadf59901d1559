package httpserver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/epanel3-site/django-clientsignal/internal/platform/correlation"
	cserrors "github.com/epanel3-site/django-clientsignal/internal/platform/errors"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware renders classified errors as JSON. Echo's own
// HTTP errors pass through untouched.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, err)
		}
	}
}

// HandleError logs err and writes its JSON response. Unclassified errors
// are reported without their message.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	classified := cserrors.As(err, "")
	logError(c, classified)

	resp := classified.ToResponse()
	if classified.Kind == "" {
		resp = cserrors.Response{Error: "internal server error"}
	}
	if err := c.JSON(classified.HTTPStatus(), resp); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func logError(c echo.Context, err *cserrors.Error) {
	attrs := append(err.LogAttrs(),
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	)

	ctx := c.Request().Context()
	switch err.Kind {
	case cserrors.KindTransport, cserrors.KindHandler:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case cserrors.KindRelay:
		slog.WarnContext(ctx, "Relay unavailable", attrs...)
	default:
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}
