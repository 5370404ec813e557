package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/catalog"
)

// RegisterMarketRoutes wires listing lifecycle endpoints.
func RegisterMarketRoutes(r fiber.Router, h *catalog.Handler) {
	r.Get("/market", h.Browse)
	r.Post("/listings/quote", h.Quote)
	r.Post("/listings/confirm", h.Confirm)
	r.Post("/listings/bulk", h.QuoteBulk)
	r.Post("/listings/bulk/confirm", h.ConfirmBulk)
	r.Patch("/listings/:code/price", h.ChangePrice)
	r.Delete("/listings/:code", h.Delist)
}
