package handlers

import (
	"catalogsync/internal/app"
	"catalogsync/internal/handlers/middleware"
	"catalogsync/internal/services"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/fiber/v2"
)

type SyncHandler struct {
	Handler
	syncService      *services.SyncService
	schedulerService *services.SchedulerService
}

type refreshRequest struct {
	Keys []string `json:"keys"`
}

func NewSyncHandler(app app.App, router fiber.Router) *SyncHandler {
	return &SyncHandler{
		syncService:      app.Services.Sync,
		schedulerService: app.Services.Scheduler,
		Handler:          newHandler(app, router, "sync_handler"),
	}
}

func (h *SyncHandler) Register() {
	sync := h.router.Group("/sync")
	sync.Post("/heavy-rotation", h.SyncHeavyRotation)
	sync.Post("/refresh", h.Refresh)
	sync.Get("/:type/status", h.Status)

	h.router.Post("/jobs/:name/trigger", h.TriggerJob)
}

func (h *SyncHandler) SyncHeavyRotation(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("sync_handler").Function("SyncHeavyRotation")

	summary, err := h.syncService.SyncHeavyRotation(c.UserContext())
	if err != nil {
		log.Warn("Heavy rotation sync failed", "subject", middleware.GetSubject(c), "error", err)
		return errorResponse(c, err, "Failed to sync heavy rotation")
	}

	log.Info("Heavy rotation sync complete", "subject", middleware.GetSubject(c), "created", summary.Created)
	return c.JSON(summary)
}

func (h *SyncHandler) Refresh(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("sync_handler").Function("Refresh")

	var request refreshRequest
	if err := c.BodyParser(&request); err != nil || len(request.Keys) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "keys required",
		})
	}
	if len(request.Keys) > MAX_LOOKUP_KEYS {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Between 1 and 500 keys required",
		})
	}

	summary, err := h.syncService.RefreshKeys(c.UserContext(), request.Keys)
	if err != nil {
		log.Warn("Refresh failed", "keys", len(request.Keys), "error", err)
		return errorResponse(c, err, "Failed to refresh catalog entities")
	}

	return c.JSON(summary)
}

func (h *SyncHandler) Status(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("sync_handler").Function("Status")

	syncType := types.SyncType(c.Params("type"))
	if syncType != types.SyncTypeHeavyRotation && syncType != types.SyncTypeRefresh {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown sync type",
		})
	}

	state, found, err := h.syncService.LastState(c.UserContext(), syncType)
	if err != nil {
		_ = log.Err("Failed to read sync state", err, "type", syncType)
		return errorResponse(c, err, "Failed to read sync state")
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "No sync recorded",
			"running": h.syncService.IsRunning(),
		})
	}

	return c.JSON(fiber.Map{
		"state":   state,
		"running": h.syncService.IsRunning(),
	})
}

func (h *SyncHandler) TriggerJob(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("sync_handler").Function("TriggerJob")

	name := c.Params("name")
	if err := h.schedulerService.TriggerJobByName(c.UserContext(), name); err != nil {
		log.Info("Job trigger rejected", "job", name, "error", err)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}

	log.Info("Job triggered", "job", name, "subject", middleware.GetSubject(c))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "triggered",
		"job":    name,
	})
}
