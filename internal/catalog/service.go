package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groupmart/group_mart/internal/agent"
	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/store"
)

// Delist outcomes. A failed reversal never blocks the delisting itself, it
// surfaces as work for an operator.
const (
	OutcomeReversed             = "reversed"
	OutcomeManualReconciliation = "requires-manual-reconciliation"
)

var (
	// ErrInvalidPrice is returned when the quoted price is out of range or
	// has more than two decimal places.
	ErrInvalidPrice = errors.New("price must be positive, within range, with at most two decimals")
	// ErrNoQuote is returned when no quote is pending for the seller.
	ErrNoQuote = errors.New("no pending listing quote")
	// ErrNoController is returned when none of the custodial accounts holds
	// rights over the item.
	ErrNoController = errors.New("no custodial account controls this item")
	// ErrLowActivity rejects items below the activity threshold.
	ErrLowActivity = errors.New("item activity is below the listing threshold")
	// ErrOriginHidden rejects items whose origin date the platform hides.
	ErrOriginHidden = errors.New("item origin date is hidden")
	// ErrNotOwner is returned when someone else's listing is being modified.
	ErrNotOwner = errors.New("listing belongs to another seller")
)

// Reverser undoes the custody grant for a listed item, returning control to
// its seller. Implemented by the transfer orchestrator.
type Reverser interface {
	ReverseGrant(ctx context.Context, item store.Item, sellerPlatformID int64) error
}

type quote struct {
	platformID int64
	price      decimal.Decimal
	expiresAt  time.Time
}

type bulkQuote struct {
	keyword     string
	price       decimal.Decimal
	platformIDs []int64
	expiresAt   time.Time
}

// Service runs the listing lifecycle: quote, live verification, activation,
// price changes and delisting.
type Service struct {
	store       store.Store
	agent       agent.Agent
	reverser    Reverser
	notifier    notification.Notifier
	logger      *slog.Logger
	ttl         time.Duration
	minActivity int
	minPrice    decimal.Decimal
	maxPrice    decimal.Decimal
	now         func() time.Time

	mu     sync.Mutex
	quotes map[string]*quote
	bulk   map[string]*bulkQuote
}

// Config carries the listing policy knobs.
type Config struct {
	QuoteTTL    time.Duration
	MinActivity int
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
}

// NewService builds a catalog service.
func NewService(st store.Store, ag agent.Agent, notifier notification.Notifier, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store:       st,
		agent:       ag,
		notifier:    notifier,
		logger:      logger,
		ttl:         cfg.QuoteTTL,
		minActivity: cfg.MinActivity,
		minPrice:    cfg.MinPrice,
		maxPrice:    cfg.MaxPrice,
		now:         time.Now,
		quotes:      make(map[string]*quote),
		bulk:        make(map[string]*bulkQuote),
	}
}

// SetReverser wires the transfer orchestrator in after construction. The two
// services depend on each other; the orchestrator is attached last.
func (s *Service) SetReverser(r Reverser) {
	s.reverser = r
}

// ValidatePrice checks a listing price against policy.
func (s *Service) ValidatePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	if !price.IsPositive() || price.Exponent() < -2 {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	if price.LessThan(s.minPrice) || price.GreaterThan(s.maxPrice) {
		return decimal.Decimal{}, ErrInvalidPrice
	}
	return price, nil
}

// QuoteInput opens a listing quote for one item.
type QuoteInput struct {
	SellerID   string
	PlatformID int64
	Price      string
}

// Quote validates the price and holds it until the seller confirms. A new
// quote replaces any previous one for the same seller.
func (s *Service) Quote(_ context.Context, input QuoteInput) (decimal.Decimal, error) {
	price, err := s.ValidatePrice(input.Price)
	if err != nil {
		return decimal.Decimal{}, err
	}

	s.mu.Lock()
	s.quotes[input.SellerID] = &quote{
		platformID: input.PlatformID,
		price:      price,
		expiresAt:  s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return price, nil
}

// Confirm verifies custody and item health live, then activates the listing.
// Failing any gate drops the quote; the seller starts over.
func (s *Service) Confirm(ctx context.Context, sellerID string) (store.Item, error) {
	s.mu.Lock()
	q, ok := s.quotes[sellerID]
	if ok && s.now().After(q.expiresAt) {
		delete(s.quotes, sellerID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return store.Item{}, ErrNoQuote
	}

	acct, session, err := s.findController(ctx, q.platformID)
	if err != nil {
		s.dropQuote(sellerID)
		return store.Item{}, err
	}
	defer session.Close() // nolint:errcheck

	meta, err := session.ItemMetadata(ctx, q.platformID)
	if err != nil {
		s.dropQuote(sellerID)
		return store.Item{}, fmt.Errorf("item metadata: %w", err)
	}
	if meta.ActivityCount < s.minActivity {
		s.dropQuote(sellerID)
		return store.Item{}, ErrLowActivity
	}
	if meta.OriginDateHidden {
		s.dropQuote(sellerID)
		return store.Item{}, ErrOriginHidden
	}

	item, err := s.store.UpsertItem(ctx, store.Item{
		PlatformID:    q.platformID,
		Name:          meta.Name,
		InviteHandle:  meta.InviteHandle,
		OwnerID:       sellerID,
		AccountID:     acct.ID,
		Price:         q.price,
		OriginDate:    meta.OriginDate,
		ActivityCount: meta.ActivityCount,
	})
	if err != nil {
		s.dropQuote(sellerID)
		return store.Item{}, err
	}

	s.dropQuote(sellerID)
	s.logger.Info("listing activated",
		"code", item.Code, "seller_id", sellerID, "platform_id", q.platformID, "price", item.Price)
	return item, nil
}

// findController scans the active custodial pool for an account that already
// holds elevated rights over the item.
func (s *Service) findController(ctx context.Context, platformID int64) (store.CustodialAccount, agent.Session, error) {
	accounts, err := s.store.ActiveAccounts(ctx)
	if err != nil {
		return store.CustodialAccount{}, nil, err
	}
	for _, acct := range accounts {
		creds := agent.Credentials{APIID: acct.APIID, APIHash: acct.APIHash, Phone: acct.Phone}
		session, err := s.agent.Resume(ctx, acct.SessionToken, creds)
		if err != nil {
			s.logger.Warn("session resume failed", "account_id", acct.ID, "error", err)
			continue
		}
		has, err := session.HasElevatedRights(ctx, platformID)
		if err != nil || !has {
			session.Close() // nolint:errcheck
			continue
		}
		return acct, session, nil
	}
	return store.CustodialAccount{}, nil, ErrNoController
}

func (s *Service) dropQuote(sellerID string) {
	s.mu.Lock()
	delete(s.quotes, sellerID)
	s.mu.Unlock()
}

// BulkInput opens a bulk listing quote backed by a keyword template.
type BulkInput struct {
	SellerID    string
	Keyword     string
	OriginDate  time.Time
	Price       string
	PlatformIDs []int64
}

// QuoteBulk registers the keyword template and holds the batch until
// confirmation. The template's origin date stands in when the platform hides
// an item's own.
func (s *Service) QuoteBulk(ctx context.Context, input BulkInput) (decimal.Decimal, error) {
	price, err := s.ValidatePrice(input.Price)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(input.PlatformIDs) == 0 {
		return decimal.Decimal{}, ErrNoQuote
	}

	if err := s.store.SaveTemplate(ctx, store.Template{
		Keyword:    input.Keyword,
		OwnerID:    input.SellerID,
		OriginDate: input.OriginDate,
	}); err != nil {
		return decimal.Decimal{}, err
	}

	s.mu.Lock()
	s.bulk[input.SellerID] = &bulkQuote{
		keyword:     input.Keyword,
		price:       price,
		platformIDs: input.PlatformIDs,
		expiresAt:   s.now().Add(s.ttl),
	}
	s.mu.Unlock()
	return price, nil
}

// SkippedItem explains why one item of a batch was not listed.
type SkippedItem struct {
	PlatformID int64
	Reason     string
}

// BulkResult reports the batch outcome item by item.
type BulkResult struct {
	Listed  []store.Item
	Skipped []SkippedItem
}

// ConfirmBulk activates every item of the pending batch that passes the
// gates. The batch is best-effort: failures skip the item, not the batch.
func (s *Service) ConfirmBulk(ctx context.Context, sellerID string) (BulkResult, error) {
	s.mu.Lock()
	b, ok := s.bulk[sellerID]
	if ok && s.now().After(b.expiresAt) {
		delete(s.bulk, sellerID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return BulkResult{}, ErrNoQuote
	}

	tpl, err := s.store.TemplateByKeyword(ctx, b.keyword)
	if err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	for _, platformID := range b.platformIDs {
		item, err := s.confirmOne(ctx, sellerID, platformID, b.price, tpl.OriginDate)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{PlatformID: platformID, Reason: err.Error()})
			continue
		}
		result.Listed = append(result.Listed, item)
	}

	s.mu.Lock()
	delete(s.bulk, sellerID)
	s.mu.Unlock()
	return result, nil
}

func (s *Service) confirmOne(ctx context.Context, sellerID string, platformID int64, price decimal.Decimal, templateDate time.Time) (store.Item, error) {
	acct, session, err := s.findController(ctx, platformID)
	if err != nil {
		return store.Item{}, err
	}
	defer session.Close() // nolint:errcheck

	meta, err := session.ItemMetadata(ctx, platformID)
	if err != nil {
		return store.Item{}, err
	}
	if meta.ActivityCount < s.minActivity {
		return store.Item{}, ErrLowActivity
	}
	originDate := meta.OriginDate
	if meta.OriginDateHidden {
		originDate = templateDate
	}

	return s.store.UpsertItem(ctx, store.Item{
		PlatformID:    platformID,
		Name:          meta.Name,
		InviteHandle:  meta.InviteHandle,
		OwnerID:       sellerID,
		AccountID:     acct.ID,
		Price:         price,
		OriginDate:    originDate,
		ActivityCount: meta.ActivityCount,
	})
}

// Browse lists active items for a year, or one month of it when month is
// nonzero. Items are ordered by ascending price.
func (s *Service) Browse(ctx context.Context, year, month int) ([]store.Item, error) {
	return s.store.ActiveItemsByDate(ctx, year, month)
}

// ChangePrice re-prices an active listing owned by the seller.
func (s *Service) ChangePrice(ctx context.Context, sellerID, code, raw string) (store.Item, error) {
	price, err := s.ValidatePrice(raw)
	if err != nil {
		return store.Item{}, err
	}
	item, err := s.store.ActiveItemByCode(ctx, code)
	if err != nil {
		return store.Item{}, err
	}
	if item.OwnerID != sellerID {
		return store.Item{}, ErrNotOwner
	}
	return s.store.SetItemPrice(ctx, code, price)
}

// DelistInput identifies the listing to withdraw and where custody returns.
type DelistInput struct {
	SellerID         string
	Code             string
	SellerPlatformID int64
}

// Delist withdraws a listing. The custody grant is reversed when possible;
// when it is not, the listing still comes down and an operator is notified.
// The outcome is never retried automatically.
func (s *Service) Delist(ctx context.Context, input DelistInput) (string, error) {
	item, err := s.store.ActiveItemByCode(ctx, input.Code)
	if err != nil {
		return "", err
	}
	if item.OwnerID != input.SellerID {
		return "", ErrNotOwner
	}

	outcome := OutcomeReversed
	if err := s.reverser.ReverseGrant(ctx, item, input.SellerPlatformID); err != nil {
		outcome = OutcomeManualReconciliation
		s.logger.Error("custody reversal failed", "code", item.Code, "error", err)
		s.notifier.Send(ctx, notification.Message{ // nolint:errcheck
			Kind:        notification.KindManualReconciliation,
			Destination: "operators",
			Body:        fmt.Sprintf("delisting %s: custody reversal failed: %v", item.Code, err),
		})
	}

	if err := s.store.MarkDelisted(ctx, input.Code); err != nil {
		return "", err
	}
	s.logger.Info("listing withdrawn", "code", item.Code, "outcome", outcome)
	return outcome, nil
}
