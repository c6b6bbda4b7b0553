package logutil

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request and stores a request scoped logger
// under the "logger" local.
func RequestLogger(base *zap.Logger) fiber.Handler {
	base = OrNop(base)
	return func(c *fiber.Ctx) error {
		start := time.Now()

		traceID := c.Get("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("X-Request-ID", traceID)

		logger := base.With(
			zap.String("trace_id", traceID),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
		)
		c.Locals("logger", logger)

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		logger.Info("HTTP request complete",
			zap.Int("status", status),
			zap.Duration("duration_ms", time.Since(start)),
			zap.NamedError("handler_error", err),
		)
		return err
	}
}

// FromCtx returns the request scoped logger, falling back to the global one.
func FromCtx(c *fiber.Ctx) *zap.Logger {
	if l, ok := c.Locals("logger").(*zap.Logger); ok {
		return l
	}
	return zap.L()
}
