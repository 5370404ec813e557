package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/store"
)

// Handler exposes the claim HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHandler builds a transfer HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type claimRequest struct {
	BuyerID         string `json:"buyer_id"`
	BuyerPlatformID int64  `json:"buyer_platform_id"`
	Code            string `json:"code"`
}

// Claim hands custody of a purchased item to its buyer.
func (h *Handler) Claim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.Claim(c.UserContext(), ClaimInput{
		BuyerID:         req.BuyerID,
		BuyerPlatformID: req.BuyerPlatformID,
		Code:            req.Code,
	})
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transfer_type": result.TransferType,
		"seller_id":     result.Settle.SellerID,
		"price":         result.Settle.Price.StringFixed(2),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotEntitled):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, ErrNotMember):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrManualReconciliation):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
