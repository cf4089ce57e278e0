package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// RequestLogger writes one structured line per request. The list route is
// skipped because it already emits its own metrics line.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if c.Path() == listRoute && c.Request().Method == http.MethodGet {
				return err
			}
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			entry := logger.WithFields(log.Fields{
				"method":      c.Request().Method,
				"route":       c.Path(),
				"status":      status,
				"duration_ms": durationToMillis(time.Since(start)),
			})
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Log(levelForStatus(status, nil), "request")
			// The error was already handled above.
			return nil
		}
	}
}
