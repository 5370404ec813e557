package transfer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groupmart/group_mart/internal/agent"
	"github.com/groupmart/group_mart/internal/ledger"
	"github.com/groupmart/group_mart/internal/logging"
	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/store"
	"github.com/groupmart/group_mart/internal/vault"
)

const (
	custodianPlatformID = int64(100)
	buyerPlatformID     = int64(77)
)

type recordingNotifier struct {
	messages []notification.Message
}

func (r *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	r.messages = append(r.messages, m)
	return nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	fake     *agent.Fake
	vault    *vault.Vault
	notifier *recordingNotifier
	item     store.Item
}

// newFixture wires a sold-but-unclaimed listing: the seller's custodial
// account holds item 500, the buyer has paid and is a member of the space.
func newFixture(t *testing.T, sealSecret string) *fixture {
	t.Helper()
	ctx := context.Background()

	v, err := vault.Open(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	st := store.NewMemory()
	fake := agent.NewFake()
	notifier := &recordingNotifier{}
	rates := ledger.Rates{
		BuyingFee:  dec(t, "0.005"),
		SellingFee: dec(t, "0.005"),
		Referral:   dec(t, "0.10"),
	}
	lg := ledger.NewService(st, notifier, logging.Discard(), rates, dec(t, "1.00"))
	svc := NewService(st, fake, v, lg, notifier, logging.Discard())

	for _, id := range []string{"seller", "buyer"} {
		if _, err := st.EnsureUser(ctx, id, id, ""); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}

	var blob []byte
	if sealSecret != "" {
		var ok bool
		blob, ok = v.Encrypt(sealSecret)
		if !ok {
			t.Fatal("Encrypt failed")
		}
	}
	acct, err := st.CreateAccount(ctx, store.CustodialAccount{
		OwnerID:         "seller",
		APIID:           1,
		APIHash:         "abcdefghij",
		Phone:           "1234567890",
		SessionToken:    "session:1234567890",
		SecretBlob:      blob,
		HasSecondFactor: true,
	}, 5)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	fake.AddAccount("1234567890", &agent.FakeAccount{
		Code: "11111", Secret: "s3cret",
		Identity: agent.Identity{PlatformID: custodianPlatformID, Username: "custodian"},
	})
	fake.AddItem(500, &agent.FakeItem{
		Meta:    agent.ItemMetadata{Name: "space", ActivityCount: 10, OriginDate: time.Now()},
		Owner:   custodianPlatformID,
		Members: map[int64]bool{buyerPlatformID: true},
	})

	item, err := st.UpsertItem(ctx, store.Item{
		PlatformID:    500,
		Name:          "space",
		OwnerID:       "seller",
		AccountID:     acct.ID,
		Price:         dec(t, "10.00"),
		OriginDate:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		ActivityCount: 10,
	})
	if err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	store.SeedBalance(st, "buyer", dec(t, "20.00"))
	if _, err := st.PurchaseItems(ctx, store.PurchaseInput{
		BuyerID:       "buyer",
		Codes:         []string{item.Code},
		BuyingFeeRate: rates.BuyingFee,
		ReferralRate:  rates.Referral,
	}); err != nil {
		t.Fatalf("PurchaseItems: %v", err)
	}

	return &fixture{svc: svc, store: st, fake: fake, vault: v, notifier: notifier, item: item}
}

func TestClaimTransfersOwnershipWithSealedSecret(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	result, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: f.item.Code})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if result.TransferType != TypeOwnership {
		t.Fatalf("transfer type = %q, want ownership", result.TransferType)
	}
	if len(f.fake.Transfers) != 1 || f.fake.Transfers[0].UserID != buyerPlatformID {
		t.Fatalf("unexpected transfer calls: %+v", f.fake.Transfers)
	}

	seller, err := f.store.GetUser(ctx, "seller")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got := seller.Balance.StringFixed(2); got != "9.95" {
		t.Fatalf("seller balance = %s, want 9.95", got)
	}

	// The same claim cannot settle twice.
	if _, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: f.item.Code}); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimFallsBackToElevatedRights(t *testing.T) {
	// No sealed secret: ownership transfer is impossible.
	f := newFixture(t, "")
	ctx := context.Background()

	result, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: f.item.Code})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if result.TransferType != TypeElevatedRights {
		t.Fatalf("transfer type = %q, want elevated-rights", result.TransferType)
	}
	if len(f.fake.Transfers) != 0 {
		t.Fatalf("ownership transfer attempted without a secret: %+v", f.fake.Transfers)
	}
	if len(f.fake.Grants) != 1 || f.fake.Grants[0].Rank != "Owner" {
		t.Fatalf("unexpected grants: %+v", f.fake.Grants)
	}

	// The audit trail records the weaker handover, never true ownership.
	history, err := f.store.TransactionsByUser(ctx, "buyer", 10)
	if err != nil {
		t.Fatalf("TransactionsByUser: %v", err)
	}
	var audit *store.Transaction
	for i := range history {
		if history[i].Kind == store.KindTransferAudit {
			audit = &history[i]
		}
	}
	if audit == nil || audit.Status != TypeElevatedRights {
		t.Fatalf("audit record missing or wrong: %+v", audit)
	}
}

func TestClaimFallsBackWhenSecretRefused(t *testing.T) {
	// A stale sealed secret no longer matches the account's second factor.
	f := newFixture(t, "rotated")
	ctx := context.Background()

	result, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: f.item.Code})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if result.TransferType != TypeElevatedRights {
		t.Fatalf("transfer type = %q, want elevated-rights", result.TransferType)
	}
}

func TestClaimManualReconciliationWhenBothPathsFail(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.fake.Items[500].GrantErr = agent.RetryableErr("grant", errors.New("flood wait"))

	_, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: f.item.Code})
	if !errors.Is(err, ErrManualReconciliation) {
		t.Fatalf("expected ErrManualReconciliation, got %v", err)
	}

	var paged bool
	for _, m := range f.notifier.messages {
		if m.Kind == notification.KindManualReconciliation {
			paged = true
		}
	}
	if !paged {
		t.Fatal("operators not notified")
	}

	// No settlement happened: the seller is unpaid and the item unclaimed.
	seller, err := f.store.GetUser(ctx, "seller")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !seller.Balance.IsZero() {
		t.Fatalf("seller paid despite failed handover: %s", seller.Balance)
	}
	item, err := f.store.ItemByCode(ctx, f.item.Code)
	if err != nil {
		t.Fatalf("ItemByCode: %v", err)
	}
	if item.SoldTo != "" {
		t.Fatalf("item marked sold: %q", item.SoldTo)
	}
}

func TestClaimEntitlementChecks(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	// A stranger who never paid cannot claim.
	if _, err := f.store.EnsureUser(ctx, "stranger", "stranger", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if _, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "stranger", BuyerPlatformID: 999, Code: f.item.Code}); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled, got %v", err)
	}

	// The buyer must have joined the space first.
	if _, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: 12345, Code: f.item.Code}); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}

	if _, err := f.svc.Claim(ctx, ClaimInput{BuyerID: "buyer", BuyerPlatformID: buyerPlatformID, Code: "GZZZZZZ"}); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestReverseGrantReturnsCustodyToSeller(t *testing.T) {
	f := newFixture(t, "s3cret")
	ctx := context.Background()

	sellerPlatformID := int64(55)
	if err := f.svc.ReverseGrant(ctx, f.item, sellerPlatformID); err != nil {
		t.Fatalf("ReverseGrant: %v", err)
	}
	if len(f.fake.Transfers) != 1 || f.fake.Transfers[0].UserID != sellerPlatformID {
		t.Fatalf("unexpected transfers: %+v", f.fake.Transfers)
	}

	// Without the secret the reversal degrades to a grant.
	f2 := newFixture(t, "")
	if err := f2.svc.ReverseGrant(ctx, f2.item, sellerPlatformID); err != nil {
		t.Fatalf("ReverseGrant: %v", err)
	}
	if len(f2.fake.Grants) != 1 {
		t.Fatalf("unexpected grants: %+v", f2.fake.Grants)
	}
}
