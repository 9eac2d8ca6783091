package handler

import (
	"log/slog"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/middleware"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
	"github.com/arturoeanton/strategy-pipeline/internal/service"
	"github.com/gofiber/fiber/v3"
)

// StrategyHandler exposes snapshot intake and the pipeline lifecycle.
type StrategyHandler struct {
	snapshots *service.SnapshotService
	pipelines *service.PipelineService
	audit     port.AuditWriter
	logger    *slog.Logger
}

// NewStrategyHandler creates a new strategy handler.
func NewStrategyHandler(snapshots *service.SnapshotService, pipelines *service.PipelineService, audit port.AuditWriter, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{snapshots: snapshots, pipelines: pipelines, audit: audit, logger: logger}
}

// Register sets up strategy routes on a protected group.
func (h *StrategyHandler) Register(router fiber.Router) {
	router.Post("/snapshots", h.CreateSnapshot)

	pipelines := router.Group("/pipelines")
	pipelines.Post("/:snapshot_id/start", h.StartPipeline)
	pipelines.Get("/:snapshot_id", h.GetPipeline)

	router.Get("/briefings/:snapshot_id", h.GetBriefing)
}

// pipelineView is a pipeline record with its progress estimate.
type pipelineView struct {
	*domain.PipelineRecord
	Progress service.Progress `json:"progress"`
}

// CreateSnapshot resolves the submitted location into a snapshot.
func (h *StrategyHandler) CreateSnapshot(c fiber.Ctx) error {
	user := middleware.GetUserContext(c)

	var body domain.LocationInput
	if err := c.Bind().JSON(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	snap, err := h.snapshots.CreateSnapshot(c.Context(), user.UserID, body)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	h.record(c, user, domain.AuditActionSnapshot, "snapshot", snap.ID)
	return c.Status(fiber.StatusCreated).JSON(snap)
}

// StartPipeline starts the strategy pipeline for an owned snapshot.
func (h *StrategyHandler) StartPipeline(c fiber.Ctx) error {
	user := middleware.GetUserContext(c)
	id := c.Params("snapshot_id")

	if _, err := h.snapshots.GetOwned(c.Context(), id, user.UserID); err != nil {
		return respondError(c, h.logger, err)
	}
	acc, err := h.pipelines.StartPipeline(c.Context(), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	h.record(c, user, domain.AuditActionPipelineStart, "pipeline", id)
	return c.Status(fiber.StatusAccepted).JSON(acc)
}

// GetPipeline returns the pipeline record and its progress.
func (h *StrategyHandler) GetPipeline(c fiber.Ctx) error {
	user := middleware.GetUserContext(c)
	rec, err := h.pipelines.GetPipelineStatus(c.Context(), c.Params("snapshot_id"), user.UserID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(pipelineView{PipelineRecord: rec, Progress: h.pipelines.Progress(rec)})
}

// GetBriefing returns the briefing record.
func (h *StrategyHandler) GetBriefing(c fiber.Ctx) error {
	user := middleware.GetUserContext(c)
	b, err := h.pipelines.GetBriefing(c.Context(), c.Params("snapshot_id"), user.UserID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"briefing": b, "ready": b.Ready()})
}

func (h *StrategyHandler) record(c fiber.Ctx, user *domain.UserContext, action, resource, id string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.WriteAudit(user.UserID, action, resource, id, "{}", c.IP(), c.Get("User-Agent")); err != nil {
		h.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
