package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/groupmart/group_mart/internal/agent"
	"github.com/groupmart/group_mart/internal/ledger"
	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/store"
	"github.com/groupmart/group_mart/internal/vault"
)

// How custody moved to the buyer. Ownership needs the custodial account's
// second-factor secret; the grant is the fallback when it is unavailable.
const (
	TypeOwnership      = "ownership"
	TypeElevatedRights = "elevated-rights"
)

var (
	// ErrNotEntitled is returned when the buyer has not paid for the item.
	ErrNotEntitled = errors.New("no purchase entitles this claim")
	// ErrAlreadyClaimed is returned when the item has been handed over.
	ErrAlreadyClaimed = errors.New("item already claimed")
	// ErrNotMember is returned when the buyer has not joined the space yet.
	ErrNotMember = errors.New("buyer must join the space before claiming")
	// ErrManualReconciliation is returned when neither handover path worked.
	// The claim is not retried; an operator takes over.
	ErrManualReconciliation = errors.New("handover failed, requires manual reconciliation")
)

// Service hands custody of purchased items to their buyers and settles the
// sale once custody has moved.
type Service struct {
	store    store.Store
	agent    agent.Agent
	vault    *vault.Vault
	ledger   *ledger.Service
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService builds a transfer orchestrator.
func NewService(st store.Store, ag agent.Agent, v *vault.Vault, lg *ledger.Service, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		agent:    ag,
		vault:    v,
		ledger:   lg,
		notifier: notifier,
		logger:   logger,
	}
}

// ClaimInput identifies the buyer and the purchased item.
type ClaimInput struct {
	BuyerID         string
	BuyerPlatformID int64
	Code            string
}

// ClaimResult reports how custody moved and what the sale settled at.
type ClaimResult struct {
	TransferType string
	Settle       store.SettleResult
}

// Claim moves custody of a purchased item to the buyer. Ownership transfer is
// attempted first; when the sealed secret is unavailable or refused, the
// custodial account grants the buyer elevated rights instead. When both paths
// fail the claim lands with an operator and is never retried automatically.
func (s *Service) Claim(ctx context.Context, input ClaimInput) (ClaimResult, error) {
	item, err := s.store.ItemByCode(ctx, input.Code)
	if err != nil {
		return ClaimResult{}, err
	}
	if item.SoldTo != "" {
		return ClaimResult{}, ErrAlreadyClaimed
	}
	paid, err := s.store.HasPurchased(ctx, input.BuyerID, item.ID)
	if err != nil {
		return ClaimResult{}, err
	}
	if !paid || item.Listed {
		return ClaimResult{}, ErrNotEntitled
	}

	acct, session, err := s.resume(ctx, item.AccountID)
	if err != nil {
		return ClaimResult{}, err
	}
	defer session.Close() // nolint:errcheck

	member, err := session.IsMember(ctx, item.PlatformID, input.BuyerPlatformID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("membership check: %w", err)
	}
	if !member {
		return ClaimResult{}, ErrNotMember
	}

	transferType, err := s.handOver(ctx, session, acct, item.PlatformID, input.BuyerPlatformID)
	if err != nil {
		s.notifier.Send(ctx, notification.Message{ // nolint:errcheck
			Kind:        notification.KindManualReconciliation,
			Destination: "operators",
			Body:        fmt.Sprintf("claim %s by %s: %v", item.Code, input.BuyerID, err),
		})
		s.logger.Error("handover failed", "code", item.Code, "buyer_id", input.BuyerID, "error", err)
		return ClaimResult{}, ErrManualReconciliation
	}

	settle, err := s.ledger.Settle(ctx, item.ID, input.BuyerID, transferType)
	if err != nil {
		return ClaimResult{}, err
	}

	s.logger.Info("custody moved",
		"code", item.Code, "buyer_id", input.BuyerID, "transfer", transferType)
	return ClaimResult{TransferType: transferType, Settle: settle}, nil
}

// handOver tries true ownership first, then the elevated-rights fallback.
func (s *Service) handOver(ctx context.Context, session agent.Session, acct store.CustodialAccount, itemID, buyerPlatformID int64) (string, error) {
	var transferErr error
	if secret, ok := s.vault.Decrypt(acct.SecretBlob); ok {
		transferErr = session.TransferOwnership(ctx, itemID, buyerPlatformID, secret)
		if transferErr == nil {
			return TypeOwnership, nil
		}
		s.logger.Warn("ownership transfer refused, falling back",
			"account_id", acct.ID, "error", transferErr)
	}

	if err := session.GrantElevatedRights(ctx, itemID, buyerPlatformID, "Owner"); err != nil {
		if transferErr != nil {
			return "", fmt.Errorf("transfer: %v; grant: %w", transferErr, err)
		}
		return "", fmt.Errorf("grant: %w", err)
	}
	return TypeElevatedRights, nil
}

// ReverseGrant returns custody of a delisted item to its seller, using the
// same two-path handover in the opposite direction.
func (s *Service) ReverseGrant(ctx context.Context, item store.Item, sellerPlatformID int64) error {
	acct, session, err := s.resume(ctx, item.AccountID)
	if err != nil {
		return err
	}
	defer session.Close() // nolint:errcheck

	transferType, err := s.handOver(ctx, session, acct, item.PlatformID, sellerPlatformID)
	if err != nil {
		return err
	}
	s.logger.Info("custody returned", "code", item.Code, "transfer", transferType)
	return nil
}

func (s *Service) resume(ctx context.Context, accountID string) (store.CustodialAccount, agent.Session, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return store.CustodialAccount{}, nil, err
	}
	creds := agent.Credentials{APIID: acct.APIID, APIHash: acct.APIHash, Phone: acct.Phone}
	session, err := s.agent.Resume(ctx, acct.SessionToken, creds)
	if err != nil {
		return store.CustodialAccount{}, nil, fmt.Errorf("resume session: %w", err)
	}
	return acct, session, nil
}
