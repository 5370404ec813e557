package catalog

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/store"
)

// Handler exposes listing HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a catalog HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type quoteRequest struct {
	SellerID   string `json:"seller_id"`
	PlatformID int64  `json:"platform_id"`
	Price      string `json:"price"`
}

type confirmRequest struct {
	SellerID string `json:"seller_id"`
}

type bulkRequest struct {
	SellerID    string  `json:"seller_id"`
	Keyword     string  `json:"keyword"`
	OriginDate  string  `json:"origin_date"`
	Price       string  `json:"price"`
	PlatformIDs []int64 `json:"platform_ids"`
}

type priceRequest struct {
	SellerID string `json:"seller_id"`
	Price    string `json:"price"`
}

type delistRequest struct {
	SellerID         string `json:"seller_id"`
	SellerPlatformID int64  `json:"seller_platform_id"`
}

type itemResponse struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	InviteHandle  string `json:"invite_handle,omitempty"`
	Price         string `json:"price"`
	OriginDate    string `json:"origin_date"`
	ActivityCount int    `json:"activity_count"`
}

func toItemResponse(item store.Item) itemResponse {
	return itemResponse{
		Code:          item.Code,
		Name:          item.Name,
		InviteHandle:  item.InviteHandle,
		Price:         item.Price.StringFixed(2),
		OriginDate:    item.OriginDate.Format("2006-01-02"),
		ActivityCount: item.ActivityCount,
	}
}

// Browse lists active items filtered by origin year and optional month.
func (h *Handler) Browse(c *fiber.Ctx) error {
	year := c.QueryInt("year", time.Now().UTC().Year())
	month := c.QueryInt("month", 0)
	items, err := h.service.Browse(c.UserContext(), year, month)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"items": out})
}

// Quote opens a price quote for one listing.
func (h *Handler) Quote(c *fiber.Ctx) error {
	var req quoteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	price, err := h.service.Quote(c.UserContext(), QuoteInput{
		SellerID:   req.SellerID,
		PlatformID: req.PlatformID,
		Price:      req.Price,
	})
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"price": price.StringFixed(2)})
}

// Confirm verifies custody and activates the pending listing.
func (h *Handler) Confirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	item, err := h.service.Confirm(c.UserContext(), req.SellerID)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toItemResponse(item))
}

// QuoteBulk opens a keyword-template batch quote.
func (h *Handler) QuoteBulk(c *fiber.Ctx) error {
	var req bulkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	originDate, err := time.Parse("2006-01-02", req.OriginDate)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "origin_date must be YYYY-MM-DD")
	}
	price, err := h.service.QuoteBulk(c.UserContext(), BulkInput{
		SellerID:    req.SellerID,
		Keyword:     req.Keyword,
		OriginDate:  originDate,
		Price:       req.Price,
		PlatformIDs: req.PlatformIDs,
	})
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"price": price.StringFixed(2), "count": len(req.PlatformIDs)})
}

// ConfirmBulk activates the pending batch item by item.
func (h *Handler) ConfirmBulk(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	result, err := h.service.ConfirmBulk(c.UserContext(), req.SellerID)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}

	listed := make([]itemResponse, 0, len(result.Listed))
	for _, item := range result.Listed {
		listed = append(listed, toItemResponse(item))
	}
	skipped := make([]fiber.Map, 0, len(result.Skipped))
	for _, sk := range result.Skipped {
		skipped = append(skipped, fiber.Map{"platform_id": sk.PlatformID, "reason": sk.Reason})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"listed": listed, "skipped": skipped})
}

// ChangePrice re-prices an active listing.
func (h *Handler) ChangePrice(c *fiber.Ctx) error {
	var req priceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	item, err := h.service.ChangePrice(c.UserContext(), req.SellerID, c.Params("code"), req.Price)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(toItemResponse(item))
}

// Delist withdraws a listing and reports the custody outcome.
func (h *Handler) Delist(c *fiber.Ctx) error {
	var req delistRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	outcome, err := h.service.Delist(c.UserContext(), DelistInput{
		SellerID:         req.SellerID,
		Code:             c.Params("code"),
		SellerPlatformID: req.SellerPlatformID,
	})
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"outcome": outcome})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoQuote):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, store.ErrItemNotAvailable), errors.Is(err, store.ErrTemplateExists):
		return http.StatusConflict
	case errors.Is(err, ErrNoController), errors.Is(err, ErrLowActivity), errors.Is(err, ErrOriginHidden):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
