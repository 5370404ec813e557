package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a marketplace participant. Created on first interaction and never
// deleted; its balance is mutated only through ledger operations.
type User struct {
	ID          string
	DisplayName string
	Balance     decimal.Decimal
	// TotalVolume is the lifetime inflow volume (credits only).
	TotalVolume decimal.Decimal
	// ReferrerID is set at most once and never refers back to the user.
	ReferrerID string
	CreatedAt  time.Time
}

// AccountRole distinguishes custodial accounts that hold listed items from
// the single settlement account used for payment intake.
type AccountRole string

const (
	RoleGeneral    AccountRole = "general"
	RoleSettlement AccountRole = "settlement"
)

// CustodialAccount is an escrowed platform account acting on users' behalf.
// Rows are never hard-deleted, only deactivated.
type CustodialAccount struct {
	ID      string
	OwnerID string
	APIID   int
	APIHash string
	// Phone is globally unique among active accounts.
	Phone        string
	SessionToken string
	// SecretBlob is the vault-encrypted second-factor secret; nil when the
	// vault was unavailable at commit time.
	SecretBlob      []byte
	HasSecondFactor bool
	Role            AccountRole
	Active          bool
	CreatedAt       time.Time
}

// Item is a community space tracked by the marketplace.
type Item struct {
	ID         string
	PlatformID int64
	// Code is the permanent human-shareable lookup key, allocated once and
	// stable across relisting and ownership changes.
	Code          string
	Name          string
	InviteHandle  string
	OwnerID       string
	AccountID     string
	Price         decimal.Decimal
	OriginDate    time.Time
	ActivityCount int
	Listed        bool
	SoldTo        string
	ListedAt      time.Time
}

// TransactionKind enumerates ledger postings.
type TransactionKind string

const (
	KindPurchase           TransactionKind = "purchase"
	KindSale               TransactionKind = "sale"
	KindTip                TransactionKind = "tip"
	KindWithdrawal         TransactionKind = "withdrawal"
	KindReferralCommission TransactionKind = "referral-commission"
	KindAdminAdjustment    TransactionKind = "admin-adjustment"
	KindTransferAudit      TransactionKind = "transfer-audit"
)

// Transaction is an append-only ledger posting.
type Transaction struct {
	ID        string
	UserID    string
	Kind      TransactionKind
	Amount    decimal.Decimal
	ItemIDs   []string
	Status    string
	CreatedAt time.Time
}

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// WithdrawalRequest reserves funds until an operator decision. Approval is
// terminal; rejection restores the reserved amount.
type WithdrawalRequest struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal
	Address     string
	Status      WithdrawalStatus
	// TxID is the reserve posting debiting the amount; its status turns
	// terminal with the decision.
	TxID        string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// ReferralEarning records a commission posting: always a fraction of the fee
// of its originating transaction, never of the principal.
type ReferralEarning struct {
	ID            string
	ReferrerID    string
	ReferredID    string
	TransactionID string
	FeeBasis      decimal.Decimal
	Commission    decimal.Decimal
	CreatedAt     time.Time
}

// Template maps a bulk-listing keyword to origin-date metadata supplied in
// advance of the per-item ownership proof.
type Template struct {
	Keyword    string
	OwnerID    string
	OriginDate time.Time
	CreatedAt  time.Time
}
