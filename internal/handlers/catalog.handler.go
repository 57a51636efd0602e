package handlers

import (
	"strings"

	"catalogsync/internal/app"
	"catalogsync/internal/models"
	"catalogsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/fiber/v2"
)

const MAX_LOOKUP_KEYS = 500

type CatalogHandler struct {
	Handler
	catalogService *services.CatalogService
}

func NewCatalogHandler(app app.App, router fiber.Router) *CatalogHandler {
	return &CatalogHandler{
		catalogService: app.Services.Catalog,
		Handler:        newHandler(app, router, "catalog_handler"),
	}
}

func (h *CatalogHandler) Register() {
	catalog := h.router.Group("/catalog")
	catalog.Get("/:kind", h.Lookup)
	catalog.Get("/:kind/:key", h.Get)

	h.router.Get("/albums/:key/rankings", h.Rankings)
}

// Lookup finds or creates every key in the comma separated keys query
// parameter.
func (h *CatalogHandler) Lookup(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("catalog_handler").Function("Lookup")

	kind, err := models.ParseKind(c.Params("kind"))
	if err != nil || !kind.Keyed() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown entity kind",
		})
	}

	keys := splitKeys(c.Query("keys"))
	if len(keys) == 0 || len(keys) > MAX_LOOKUP_KEYS {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Between 1 and 500 keys required",
		})
	}

	response, err := h.catalogService.Lookup(c.UserContext(), kind, keys)
	if err != nil {
		log.Warn("Lookup failed", "kind", kind, "keys", len(keys), "error", err)
		return errorResponse(c, err, "Failed to look up catalog entities")
	}

	return c.JSON(response)
}

func (h *CatalogHandler) Get(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("catalog_handler").Function("Get")

	kind, err := models.ParseKind(c.Params("kind"))
	if err != nil || !kind.Keyed() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown entity kind",
		})
	}

	key := c.Params("key")
	entity, found, err := h.catalogService.Get(c.UserContext(), kind, key)
	if err != nil {
		_ = log.Err("Failed to read entity", err, "kind", kind, "key", key)
		return errorResponse(c, err, "Failed to read catalog entity")
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Entity not found",
		})
	}

	return c.JSON(entity)
}

func (h *CatalogHandler) Rankings(c *fiber.Ctx) error {
	log := logger.New("handlers").TraceFromContext(c.UserContext()).File("catalog_handler").Function("Rankings")

	key := c.Params("key")
	rankings, found, err := h.catalogService.Rankings(c.UserContext(), key)
	if err != nil {
		_ = log.Err("Failed to read rankings", err, "album", key)
		return errorResponse(c, err, "Failed to read album rankings")
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Album not found",
		})
	}

	return c.JSON(rankings)
}

func splitKeys(raw string) []string {
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
