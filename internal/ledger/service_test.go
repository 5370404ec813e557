package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groupmart/group_mart/internal/logging"
	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/store"
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

func newTestService(t *testing.T) (*Service, *store.Memory, *recordingNotifier) {
	t.Helper()
	st := store.NewMemory()
	notifier := &recordingNotifier{}
	svc := NewService(st, notifier, logging.Discard(), Rates{
		BuyingFee:  dec(t, "0.005"),
		SellingFee: dec(t, "0.005"),
		Referral:   dec(t, "0.10"),
	}, dec(t, "1.00"))
	return svc, st, notifier
}

func seedListing(t *testing.T, st *store.Memory, sellerID string, platformID int64, price string) store.Item {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, sellerID, sellerID, ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	acct, err := st.CreateAccount(ctx, store.CustodialAccount{
		OwnerID:         sellerID,
		APIID:           1,
		APIHash:         "abcdefghij",
		Phone:           "1234567890",
		SessionToken:    "tok",
		HasSecondFactor: true,
	}, 5)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	item, err := st.UpsertItem(ctx, store.Item{
		PlatformID:    platformID,
		Name:          "space",
		OwnerID:       sellerID,
		AccountID:     acct.ID,
		Price:         dec(t, price),
		OriginDate:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		ActivityCount: 10,
	})
	if err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	return item
}

func TestPurchaseValidatesCodes(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, "buyer", "Buyer", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	for _, codes := range [][]string{
		nil,
		{"XABCDE"},
		{"G123"},
		{"g12345"},
		{"G123456789TOOLONG"},
	} {
		if _, err := svc.Purchase(ctx, "buyer", codes); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("Purchase(%v): expected ErrInvalidCode, got %v", codes, err)
		}
	}
}

func TestPurchaseAppliesBuyingFee(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	item := seedListing(t, st, "seller", 1, "10.00")
	if _, err := st.EnsureUser(ctx, "buyer", "Buyer", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	store.SeedBalance(st, "buyer", dec(t, "10.10"))

	result, err := svc.Purchase(ctx, "buyer", []string{item.Code})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if got := result.Fee.StringFixed(2); got != "0.05" {
		t.Fatalf("fee = %s, want 0.05", got)
	}
	if got := result.NewBalance.StringFixed(2); got != "0.05" {
		t.Fatalf("balance = %s, want 0.05", got)
	}
}

func TestSettleNotifiesSeller(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	item := seedListing(t, st, "seller", 1, "50.00")
	if _, err := st.EnsureUser(ctx, "buyer", "Buyer", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	store.SeedBalance(st, "buyer", dec(t, "100.00"))

	if _, err := svc.Purchase(ctx, "buyer", []string{item.Code}); err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	result, err := svc.Settle(ctx, item.ID, "buyer", "ownership")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if got := result.SellerEarnings.StringFixed(2); got != "49.75" {
		t.Fatalf("earnings = %s, want 49.75", got)
	}

	var sale *notification.Message
	for i := range notifier.messages {
		if notifier.messages[i].Kind == notification.KindSaleCompleted {
			sale = &notifier.messages[i]
		}
	}
	if sale == nil || sale.Destination != "seller" {
		t.Fatalf("seller not notified: %+v", notifier.messages)
	}
}

func TestWithdrawValidation(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, "alice", "Alice", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	store.SeedBalance(st, "alice", dec(t, "100.00"))

	goodAddr := "0x00112233445566778899aabbccddeeff00112233"
	cases := []struct {
		name    string
		amount  string
		address string
		want    error
	}{
		{"not a number", "abc", goodAddr, ErrInvalidAmount},
		{"negative", "-5.00", goodAddr, ErrInvalidAmount},
		{"three decimals", "5.001", goodAddr, ErrInvalidAmount},
		{"below minimum", "0.50", goodAddr, ErrBelowMinimum},
		{"short address", "5.00", "abc", ErrInvalidAddress},
		{"bad hex address", "5.00", "0x123", ErrInvalidAddress},
		{"address with spaces", "5.00", "my wallet", ErrInvalidAddress},
	}
	for _, tc := range cases {
		if _, err := svc.Withdraw(ctx, "alice", tc.amount, tc.address); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	// Both address shapes are accepted.
	if _, err := svc.Withdraw(ctx, "alice", "5.00", goodAddr); err != nil {
		t.Fatalf("hex address refused: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", "5.00", "wallet123"); err != nil {
		t.Fatalf("plain address refused: %v", err)
	}
}

func TestWithdrawReservesAndNotifies(t *testing.T) {
	svc, st, notifier := newTestService(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, "alice", "Alice", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	store.SeedBalance(st, "alice", dec(t, "10.00"))

	req, err := svc.Withdraw(ctx, "alice", "8.00", "wallet123")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	u, err := svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got := u.Balance.StringFixed(2); got != "2.00" {
		t.Fatalf("balance = %s, want 2.00", got)
	}
	if len(notifier.messages) != 1 || notifier.messages[0].Kind != notification.KindWithdrawalRequested {
		t.Fatalf("operators not notified: %+v", notifier.messages)
	}

	decided, err := svc.Decide(ctx, req.ID, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != store.WithdrawalRejected {
		t.Fatalf("status = %q", decided.Status)
	}
	u, err = svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got := u.Balance.StringFixed(2); got != "10.00" {
		t.Fatalf("balance after refund = %s, want 10.00", got)
	}
}

func TestCreditAdjustsBalance(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, "alice", "Alice", ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	if _, err := svc.Credit(ctx, "alice", "0", store.KindTip); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	u, err := svc.Credit(ctx, "alice", "2.50", store.KindTip)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := u.Balance.StringFixed(2); got != "2.50" {
		t.Fatalf("balance = %s", got)
	}

	history, err := svc.History(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Kind != store.KindTip {
		t.Fatalf("unexpected history: %+v", history)
	}
}
