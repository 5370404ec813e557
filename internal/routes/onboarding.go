package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/onboarding"
)

// RegisterOnboardingRoutes wires custodial account enrollment endpoints. The
// rate limiter only guards Begin, which triggers login codes on the platform.
func RegisterOnboardingRoutes(r fiber.Router, h *onboarding.Handler, rateLimiter fiber.Handler) {
	r.Post("/onboarding", rateLimiter, h.Begin)
	r.Post("/onboarding/code", h.SubmitCode)
	r.Post("/onboarding/secret", h.SubmitSecret)
	r.Delete("/onboarding/:userId", h.Cancel)
}
