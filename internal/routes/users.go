package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/users"
)

// RegisterUserRoutes wires registration and account inspection endpoints.
func RegisterUserRoutes(r fiber.Router, h *users.Handler) {
	r.Post("/users", h.Register)
	r.Get("/users/:id/balance", h.Balance)
	r.Get("/users/:id/transactions", h.Transactions)
}
