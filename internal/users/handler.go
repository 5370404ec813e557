package users

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/ledger"
	"github.com/groupmart/group_mart/internal/store"
)

// Handler exposes user registration and account inspection endpoints.
type Handler struct {
	store  store.Store
	ledger *ledger.Service
}

// NewHandler builds a user HTTP handler.
func NewHandler(st store.Store, lg *ledger.Service) *Handler {
	return &Handler{store: st, ledger: lg}
}

type registerRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ReferrerID  string `json:"referrer_id"`
}

// Register creates the user on first contact and binds the referrer. The call
// is idempotent; the referrer binds only once.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ID == "" {
		return fiber.NewError(http.StatusBadRequest, "id is required")
	}
	user, err := h.store.EnsureUser(c.UserContext(), req.ID, req.DisplayName, req.ReferrerID)
	if err != nil {
		if errors.Is(err, store.ErrSelfReferral) {
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"id":          user.ID,
		"referrer_id": user.ReferrerID,
	})
}

// Balance returns the user's spendable balance and lifetime volume.
func (h *Handler) Balance(c *fiber.Ctx) error {
	user, err := h.ledger.Balance(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"id":           user.ID,
		"balance":      user.Balance.StringFixed(2),
		"total_volume": user.TotalVolume.StringFixed(2),
	})
}

// Transactions returns the user's most recent ledger entries.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	history, err := h.ledger.History(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(history))
	for _, tx := range history {
		out = append(out, fiber.Map{
			"id":         tx.ID,
			"kind":       string(tx.Kind),
			"amount":     tx.Amount.StringFixed(2),
			"item_ids":   tx.ItemIDs,
			"status":     tx.Status,
			"created_at": tx.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out})
}
