package handler

import (
	"github.com/gofiber/fiber/v3"
)

// SubscriberCounter reports live pipeline stream subscriptions.
type SubscriberCounter interface {
	Subscribers() int
}

// HealthHandler serves the public liveness route.
type HealthHandler struct {
	appName string
	store   string
	streams SubscriberCounter
}

// NewHealthHandler creates a health handler. streams may be nil.
func NewHealthHandler(appName, store string, streams SubscriberCounter) *HealthHandler {
	return &HealthHandler{appName: appName, store: store, streams: streams}
}

// Register mounts GET /health on router.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
}

// Health reports service status and the number of open subscriptions.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	subscribers := 0
	if h.streams != nil {
		subscribers = h.streams.Subscribers()
	}
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"app":         h.appName,
		"store":       h.store,
		"version":     "1.0.0",
		"subscribers": subscribers,
	})
}
