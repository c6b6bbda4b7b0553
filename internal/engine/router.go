package engine

import "github.com/gofiber/fiber/v2"

func RegisterRecordRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api/records/v1", middleware...)

	api.Get("/:name", h.List)
	api.Get("/:name/schema", h.Schema)
	api.Get("/:name/subscribe/:id", h.Subscribe)
	api.Get("/:name/:id", h.Read)
	api.Post("/:name", h.Create)
	api.Patch("/:name/:id", h.Update)
	api.Delete("/:name/:id", h.Delete)
}
