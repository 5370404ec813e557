// Package store persists the marketplace's durable state: users,
// custodial accounts, items, transactions, withdrawal requests, referral
// earnings and the permanent-code and keyword-template indexes.
//
// Money-moving operations are composite: each commits fully or aborts fully,
// with every validation performed before the first mutation. The Postgres
// implementation runs each inside one transaction with row locks; the
// in-memory implementation serializes them behind one mutex.
package store

import (
	"context"

	"github.com/shopspring/decimal"
)

// PurchaseInput describes an atomic multi-item purchase. Fee rates are passed
// in because the subtotal can only be read inside the critical region.
type PurchaseInput struct {
	BuyerID       string
	Codes         []string
	BuyingFeeRate decimal.Decimal
	ReferralRate  decimal.Decimal
}

// PurchaseResult reports the committed purchase.
type PurchaseResult struct {
	TransactionID string
	Subtotal      decimal.Decimal
	Fee           decimal.Decimal
	Total         decimal.Decimal
	NewBalance    decimal.Decimal
	Items         []Item
}

// SettleInput settles a sold item: seller credit, fees, referral commission,
// sold-to marking and the transfer audit record, atomically.
type SettleInput struct {
	ItemID         string
	BuyerID        string
	SellingFeeRate decimal.Decimal
	ReferralRate   decimal.Decimal
	TransferType   string
}

// SettleResult reports the committed settlement.
type SettleResult struct {
	SellerID           string
	Price              decimal.Decimal
	Fee                decimal.Decimal
	SellerEarnings     decimal.Decimal
	Commission         decimal.Decimal
	SaleTransactionID  string
	AuditTransactionID string
}

// WithdrawInput reserves a withdrawal.
type WithdrawInput struct {
	UserID  string
	Amount  decimal.Decimal
	Address string
}

// Store is the contract implemented by the Postgres and in-memory backends.
type Store interface {
	// EnsureUser creates the user on first interaction or refreshes the
	// display name. A referrer binds at most once and never to the user
	// itself; an already-bound referrer is left untouched.
	EnsureUser(ctx context.Context, id, displayName, referrerID string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)

	// CreateAccount writes a custodial account enforcing phone uniqueness
	// among active rows, the general-role quota and the single settlement
	// account. A missing second factor fails the commit.
	CreateAccount(ctx context.Context, acct CustodialAccount, generalQuota int) (CustodialAccount, error)
	GetAccount(ctx context.Context, id string) (CustodialAccount, error)
	// ActiveAccounts returns all active general-role accounts, the pool a
	// listing confirmation probes for elevated rights.
	ActiveAccounts(ctx context.Context) ([]CustodialAccount, error)
	AccountsByOwner(ctx context.Context, ownerID string) ([]CustodialAccount, error)
	DeactivateAccount(ctx context.Context, id string) error

	// GetOrCreateCode allocates the permanent code for a platform item or
	// returns the one allocated before; codes are never reassigned.
	GetOrCreateCode(ctx context.Context, platformID int64) (string, error)
	// UpsertItem activates a listing, reusing the row and permanent code of
	// a previously listed platform item.
	UpsertItem(ctx context.Context, item Item) (Item, error)
	ItemByCode(ctx context.Context, code string) (Item, error)
	ActiveItemByCode(ctx context.Context, code string) (Item, error)
	// ActiveItemsByDate lists active items whose origin date falls in the
	// given year (and month when non-zero), sorted by price ascending.
	ActiveItemsByDate(ctx context.Context, year int, month int) ([]Item, error)
	SetItemPrice(ctx context.Context, code string, price decimal.Decimal) (Item, error)
	MarkDelisted(ctx context.Context, code string) error
	// HasPurchased reports whether a completed purchase by the buyer
	// references the item.
	HasPurchased(ctx context.Context, buyerID, itemID string) (bool, error)

	SaveTemplate(ctx context.Context, tpl Template) error
	TemplateByKeyword(ctx context.Context, keyword string) (Template, error)

	// PurchaseItems executes the atomic multi-item purchase: subtotal from
	// currently-active listings, buying fee, balance check, listing
	// invalidation and transaction logging in that fixed order, plus the
	// buyer-referrer commission after its originating transaction.
	PurchaseItems(ctx context.Context, input PurchaseInput) (PurchaseResult, error)
	// SettleSale credits the seller, posts sale/referral/audit transactions
	// and marks the item sold.
	SettleSale(ctx context.Context, input SettleInput) (SettleResult, error)

	// CreateWithdrawal reserves the amount immediately.
	CreateWithdrawal(ctx context.Context, input WithdrawInput) (WithdrawalRequest, error)
	// DecideWithdrawal finalizes a pending request; rejection refunds the
	// reserved amount.
	DecideWithdrawal(ctx context.Context, requestID string, approve bool) (WithdrawalRequest, error)
	PendingWithdrawals(ctx context.Context) ([]WithdrawalRequest, error)

	// AdjustBalance posts a tip or admin adjustment. Credits add to the
	// lifetime inflow volume; debits must not drive the balance negative.
	AdjustBalance(ctx context.Context, userID string, amount decimal.Decimal, kind TransactionKind) (User, error)

	TransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)
	ReferralEarningsByReferrer(ctx context.Context, referrerID string) ([]ReferralEarning, error)
}
