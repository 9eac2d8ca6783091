package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/middleware"
	"github.com/arturoeanton/strategy-pipeline/internal/service"
	"github.com/gofiber/fiber/v3"
)

// StreamHandler pushes pipeline records to clients over Server-Sent Events.
type StreamHandler struct {
	snapshots *service.SnapshotService
	pipelines *service.PipelineService
	timeout   time.Duration
	logger    *slog.Logger
}

// NewStreamHandler creates a new SSE stream handler. Streams close after
// timeout even if the pipeline is still running.
func NewStreamHandler(snapshots *service.SnapshotService, pipelines *service.PipelineService, timeout time.Duration, logger *slog.Logger) *StreamHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &StreamHandler{snapshots: snapshots, pipelines: pipelines, timeout: timeout, logger: logger}
}

// Register sets up streaming routes.
func (h *StreamHandler) Register(router fiber.Router) {
	router.Get("/pipelines/:snapshot_id/stream", h.StreamSSE)
}

// StreamSSE sends one "record" event per observed version of the pipeline
// record and ends once the record is terminal.
func (h *StreamHandler) StreamSSE(c fiber.Ctx) error {
	user := middleware.GetUserContext(c)
	// The writer runs after the handler returns, when fiber may reuse its buffers.
	id := strings.Clone(c.Params("snapshot_id"))
	userID := user.UserID

	// Ownership is checked before the stream starts, while a 404 can still be sent.
	if _, err := h.snapshots.GetOwned(c.Context(), id, userID); err != nil {
		return respondError(c, h.logger, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		var tracker service.ProgressTracker
		err := h.pipelines.Subscribe(ctx, id, userID, func(rec *domain.PipelineRecord) error {
			view := pipelineView{PipelineRecord: rec, Progress: tracker.Observe(h.pipelines.Progress(rec))}
			data, err := json.Marshal(view)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
			// A failed flush means the client went away.
			return w.Flush()
		})
		if err != nil {
			h.logger.Warn("SSE stream ended", "snapshot_id", id, "error", err)
		}
	})
}
