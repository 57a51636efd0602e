package handlers

import (
	"errors"

	"catalogsync/internal/app"
	"catalogsync/internal/handlers/middleware"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	middleware middleware.Middleware
	log        logger.Logger
	router     fiber.Router
}

func Router(router fiber.Router, app *app.App) (err error) {
	router.Use(app.Middleware.TraceID())
	setupWebSocketRoute(router, app.Websocket)

	api := router.Group("/api")
	HealthHandler(api, app.Config)

	protected := api.Group("", app.Middleware.RequireAuth())
	NewCatalogHandler(*app, protected).Register()
	NewSyncHandler(*app, protected).Register()

	return nil
}

func newHandler(app app.App, router fiber.Router, file string) Handler {
	return Handler{
		middleware: app.Middleware,
		log:        logger.New("handlers").File(file),
		router:     router,
	}
}

// errorResponse writes err with the status its code maps to.
func errorResponse(c *fiber.Ctx, err error, message string) error {
	body := fiber.Map{"error": message}
	var appErr *types.Error
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["message"] = appErr.Message
	}
	return c.Status(types.HTTPStatus(err)).JSON(body)
}
