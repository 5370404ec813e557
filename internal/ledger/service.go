package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/store"
)

var (
	// ErrInvalidCode is returned when a buying code is malformed.
	ErrInvalidCode = errors.New("buying code is malformed")
	// ErrInvalidAmount is returned when an amount is not positive with at
	// most two decimal places.
	ErrInvalidAmount = errors.New("amount must be positive with at most two decimals")
	// ErrBelowMinimum is returned when a withdrawal is under the floor.
	ErrBelowMinimum = errors.New("withdrawal is below the minimum")
	// ErrInvalidAddress is returned when a payout address is malformed.
	ErrInvalidAddress = errors.New("payout address is malformed")
)

var (
	codePattern   = regexp.MustCompile(`^G[A-Z0-9]{5,8}$`)
	hexAddress    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	walletAddress = regexp.MustCompile(`^[a-zA-Z0-9]{6,20}$`)
)

// Rates bundles the fee policy applied to every trade.
type Rates struct {
	BuyingFee  decimal.Decimal
	SellingFee decimal.Decimal
	Referral   decimal.Decimal
}

// Service owns every balance movement: purchases, sale settlements,
// withdrawals and manual credits.
type Service struct {
	store         store.Store
	notifier      notification.Notifier
	logger        *slog.Logger
	rates         Rates
	minWithdrawal decimal.Decimal
}

// NewService builds a ledger service.
func NewService(st store.Store, notifier notification.Notifier, logger *slog.Logger, rates Rates, minWithdrawal decimal.Decimal) *Service {
	return &Service{
		store:         st,
		notifier:      notifier,
		logger:        logger,
		rates:         rates,
		minWithdrawal: minWithdrawal,
	}
}

// Purchase debits the buyer for a batch of buying codes. The batch settles
// atomically: one bad code or a short balance leaves everything untouched.
func (s *Service) Purchase(ctx context.Context, buyerID string, codes []string) (store.PurchaseResult, error) {
	if len(codes) == 0 {
		return store.PurchaseResult{}, ErrInvalidCode
	}
	for _, code := range codes {
		if !codePattern.MatchString(code) {
			return store.PurchaseResult{}, ErrInvalidCode
		}
	}

	result, err := s.store.PurchaseItems(ctx, store.PurchaseInput{
		BuyerID:       buyerID,
		Codes:         codes,
		BuyingFeeRate: s.rates.BuyingFee,
		ReferralRate:  s.rates.Referral,
	})
	if err != nil {
		return store.PurchaseResult{}, err
	}

	s.logger.Info("purchase settled",
		"buyer_id", buyerID, "items", len(result.Items), "total", result.Total)
	return result, nil
}

// Settle credits the seller for a completed handover and records the audit
// trail. Called by the transfer orchestrator once custody has moved.
func (s *Service) Settle(ctx context.Context, itemID, buyerID, transferType string) (store.SettleResult, error) {
	result, err := s.store.SettleSale(ctx, store.SettleInput{
		ItemID:         itemID,
		BuyerID:        buyerID,
		SellingFeeRate: s.rates.SellingFee,
		ReferralRate:   s.rates.Referral,
		TransferType:   transferType,
	})
	if err != nil {
		return store.SettleResult{}, err
	}

	s.notifier.Send(ctx, notification.Message{ // nolint:errcheck
		Kind:        notification.KindSaleCompleted,
		Destination: result.SellerID,
		Body:        fmt.Sprintf("item sold for %s, earnings %s", result.Price.StringFixed(2), result.SellerEarnings.StringFixed(2)),
	})
	s.logger.Info("sale settled",
		"item_id", itemID, "seller_id", result.SellerID, "earnings", result.SellerEarnings, "transfer", transferType)
	return result, nil
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Exponent() >= -2
}

// Withdraw reserves funds for payout pending operator review.
func (s *Service) Withdraw(ctx context.Context, userID, rawAmount, address string) (store.WithdrawalRequest, error) {
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || !validAmount(amount) {
		return store.WithdrawalRequest{}, ErrInvalidAmount
	}
	if amount.LessThan(s.minWithdrawal) {
		return store.WithdrawalRequest{}, ErrBelowMinimum
	}
	if !hexAddress.MatchString(address) && !walletAddress.MatchString(address) {
		return store.WithdrawalRequest{}, ErrInvalidAddress
	}

	req, err := s.store.CreateWithdrawal(ctx, store.WithdrawInput{
		UserID:  userID,
		Amount:  amount,
		Address: address,
	})
	if err != nil {
		return store.WithdrawalRequest{}, err
	}

	s.notifier.Send(ctx, notification.Message{ // nolint:errcheck
		Kind:        notification.KindWithdrawalRequested,
		Destination: "operators",
		Body:        fmt.Sprintf("withdrawal %s: %s to %s", req.ID, amount.StringFixed(2), address),
	})
	s.logger.Info("withdrawal requested", "request_id", req.ID, "user_id", userID, "amount", amount)
	return req, nil
}

// Decide records the operator decision. Approval is terminal; rejection puts
// the reserved funds back.
func (s *Service) Decide(ctx context.Context, requestID string, approve bool) (store.WithdrawalRequest, error) {
	req, err := s.store.DecideWithdrawal(ctx, requestID, approve)
	if err != nil {
		return store.WithdrawalRequest{}, err
	}

	s.notifier.Send(ctx, notification.Message{ // nolint:errcheck
		Kind:        notification.KindWithdrawalDecided,
		Destination: req.UserID,
		Body:        fmt.Sprintf("withdrawal %s %s", req.ID, req.Status),
	})
	s.logger.Info("withdrawal decided", "request_id", req.ID, "status", req.Status)
	return req, nil
}

// Pending lists withdrawals awaiting review.
func (s *Service) Pending(ctx context.Context) ([]store.WithdrawalRequest, error) {
	return s.store.PendingWithdrawals(ctx)
}

// Credit applies a manual balance adjustment, for tips and operator grants.
func (s *Service) Credit(ctx context.Context, userID, rawAmount string, kind store.TransactionKind) (store.User, error) {
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || amount.IsZero() || amount.Exponent() < -2 {
		return store.User{}, ErrInvalidAmount
	}
	return s.store.AdjustBalance(ctx, userID, amount, kind)
}

// Balance returns the user's spendable balance and lifetime volume.
func (s *Service) Balance(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUser(ctx, userID)
}

// History returns the user's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]store.Transaction, error) {
	return s.store.TransactionsByUser(ctx, userID, limit)
}
