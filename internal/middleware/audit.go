package middleware

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/gofiber/fiber/v3"
)

// AuditMiddleware records every API request through writer.
func AuditMiddleware(writer port.AuditWriter, logger *slog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		// Fiber reuses the context after the handler returns; copy what the
		// async write needs first.
		method := strings.Clone(c.Method())
		path := strings.Clone(c.Path())
		ip := strings.Clone(c.IP())
		userAgent := strings.Clone(c.Get("User-Agent"))

		err := c.Next()

		userID := "anonymous"
		if uc := GetUserContext(c); uc != nil {
			userID = uc.UserID
		}

		details, _ := json.Marshal(map[string]any{
			"method":      method,
			"path":        path,
			"status":      c.Response().StatusCode(),
			"duration_ms": time.Since(start).Milliseconds(),
		})

		go func() {
			if werr := writer.WriteAudit(userID, domain.AuditActionHTTPRequest, "api", path, string(details), ip, userAgent); werr != nil {
				logger.Error("failed to write audit log", "error", werr)
			}
		}()

		return err
	}
}
