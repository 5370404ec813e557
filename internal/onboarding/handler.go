package onboarding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/store"
)

// Handler exposes enrollment HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an enrollment HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type beginRequest struct {
	UserID  string `json:"user_id"`
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	Phone   string `json:"phone"`
	Role    string `json:"role"`
}

type codeRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type secretRequest struct {
	UserID string `json:"user_id"`
	Secret string `json:"secret"`
}

type statusResponse struct {
	Step         string `json:"step"`
	AttemptsLeft int    `json:"attempts_left,omitempty"`
}

func accountRole(raw string) store.AccountRole {
	if raw == string(store.RoleSettlement) {
		return store.RoleSettlement
	}
	return store.RoleGeneral
}

// Begin starts an enrollment and requests a login code.
func (h *Handler) Begin(c *fiber.Ctx) error {
	var req beginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	status, err := h.service.Begin(c.UserContext(), BeginInput{
		UserID:  req.UserID,
		APIID:   req.APIID,
		APIHash: req.APIHash,
		Phone:   req.Phone,
		Role:    accountRole(req.Role),
	})
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusAccepted).JSON(statusResponse{Step: status.Step})
}

// SubmitCode verifies the login code sent to the phone.
func (h *Handler) SubmitCode(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	status, err := h.service.SubmitCode(c.UserContext(), req.UserID, req.Code)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusOK).JSON(statusResponse{Step: status.Step, AttemptsLeft: status.AttemptsLeft})
}

// SubmitSecret verifies the second factor and commits the account.
func (h *Handler) SubmitSecret(c *fiber.Ctx) error {
	var req secretRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.service.SubmitSecondFactor(c.UserContext(), req.UserID, req.Secret)
	if err != nil {
		return fiber.NewError(statusForError(err), err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"account_id": acct.ID,
		"phone":      acct.Phone,
		"role":       string(acct.Role),
	})
}

// Cancel abandons the enrollment in progress.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	h.service.Cancel(c.UserContext(), c.Params("userId"))
	return c.SendStatus(http.StatusNoContent)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNoPending):
		return http.StatusNotFound
	case errors.Is(err, ErrCodeInvalid), errors.Is(err, ErrSecretInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSecondFactorAbsent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrPhoneInUse), errors.Is(err, store.ErrAccountQuota),
		errors.Is(err, store.ErrSettlementAccountExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
