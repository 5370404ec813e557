package ledger

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/store"
)

// Handler exposes balance movement HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a ledger HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type purchaseRequest struct {
	BuyerID string   `json:"buyer_id"`
	Codes   []string `json:"codes"`
}

type withdrawRequest struct {
	UserID  string `json:"user_id"`
	Amount  string `json:"amount"`
	Address string `json:"address"`
}

type decisionRequest struct {
	Approve bool `json:"approve"`
}

type creditRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
	Kind   string `json:"kind"`
}

// Purchase debits the buyer for a batch of buying codes.
func (h *Handler) Purchase(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Purchase(c.UserContext(), req.BuyerID, req.Codes)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}

	codes := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		codes = append(codes, item.Code)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": result.TransactionID,
		"codes":          codes,
		"subtotal":       result.Subtotal.StringFixed(2),
		"fee":            result.Fee.StringFixed(2),
		"total":          result.Total.StringFixed(2),
		"balance":        result.NewBalance.StringFixed(2),
	})
}

// Withdraw reserves funds for operator review.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	request, err := h.service.Withdraw(c.UserContext(), req.UserID, req.Amount, req.Address)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"request_id": request.ID,
		"amount":     request.Amount.StringFixed(2),
		"status":     string(request.Status),
	})
}

// PendingWithdrawals lists requests awaiting a decision.
func (h *Handler) PendingWithdrawals(c *fiber.Ctx) error {
	pending, err := h.service.Pending(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]fiber.Map, 0, len(pending))
	for _, req := range pending {
		out = append(out, fiber.Map{
			"request_id": req.ID,
			"user_id":    req.UserID,
			"amount":     req.Amount.StringFixed(2),
			"address":    req.Address,
			"created_at": req.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"requests": out})
}

// Decide records the operator decision on a withdrawal.
func (h *Handler) Decide(c *fiber.Ctx) error {
	var req decisionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	request, err := h.service.Decide(c.UserContext(), c.Params("id"), req.Approve)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"request_id": request.ID,
		"status":     string(request.Status),
	})
}

// Credit applies a manual adjustment to a user's balance.
func (h *Handler) Credit(c *fiber.Ctx) error {
	var req creditRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	kind := store.KindTip
	if req.Kind == string(store.KindAdminAdjustment) {
		kind = store.KindAdminAdjustment
	}
	user, err := h.service.Credit(c.UserContext(), req.UserID, req.Amount, kind)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user_id": user.ID,
		"balance": user.Balance.StringFixed(2),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrWithdrawalNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrItemNotAvailable):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrWithdrawalDecided):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
