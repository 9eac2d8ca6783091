package handler

import (
	"errors"
	"log/slog"

	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/gofiber/fiber/v3"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, port.ErrNotVisible):
		return fiber.StatusNotFound
	case errors.Is(err, port.ErrAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, port.ErrLocationUnresolved):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func respondError(c fiber.Ctx, logger *slog.Logger, err error) error {
	code := statusFor(err)
	if code == fiber.StatusInternalServerError {
		logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
