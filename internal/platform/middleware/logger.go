package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
				if he.Code < 500 {
					evt = logger.Warn().Err(err)
				} else {
					evt = logger.Error().Err(err)
				}
			} else if err != nil {
				evt = logger.Error().Err(err)
			}

			if tenant, ok := c.Get("tenant_id").(string); ok {
				evt = evt.Str("tenant_id", tenant)
			}
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_in", req.ContentLength).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
