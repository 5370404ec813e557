package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/groupmart/group_mart/internal/agent"
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

type stubReverser struct {
	err   error
	calls int
}

func (r *stubReverser) ReverseGrant(context.Context, store.Item, int64) error {
	r.calls++
	return r.err
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func newTestService(t *testing.T) (*Service, *store.Memory, *agent.Fake, *recordingNotifier, *stubReverser) {
	t.Helper()
	st := store.NewMemory()
	fake := agent.NewFake()
	notifier := &recordingNotifier{}
	svc := NewService(st, fake, notifier, logging.Discard(), Config{
		QuoteTTL:    5 * time.Minute,
		MinActivity: 4,
		MinPrice:    dec(t, "0.01"),
		MaxPrice:    dec(t, "99.99"),
	})
	reverser := &stubReverser{}
	svc.SetReverser(reverser)
	return svc, st, fake, notifier, reverser
}

// seedCustody enrolls a custodial account in the store and scripts the same
// account into the fake agent so its session can be resumed.
func seedCustody(t *testing.T, st *store.Memory, fake *agent.Fake, ownerID, phone string, platformID int64) store.CustodialAccount {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, ownerID, ownerID, ""); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	acct, err := st.CreateAccount(ctx, store.CustodialAccount{
		OwnerID:         ownerID,
		APIID:           1,
		APIHash:         "abcdefghij",
		Phone:           phone,
		SessionToken:    "session:" + phone,
		HasSecondFactor: true,
		Role:            store.RoleGeneral,
	}, 5)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	fake.AddAccount(phone, &agent.FakeAccount{
		Code: "11111", Secret: "s3cret",
		Identity: agent.Identity{PlatformID: platformID, Username: "custodian"},
	})
	return acct
}

func TestValidatePrice(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	for _, raw := range []string{"0.01", "99.99", "10", "10.5"} {
		if _, err := svc.ValidatePrice(raw); err != nil {
			t.Fatalf("ValidatePrice(%q): %v", raw, err)
		}
	}
	for _, raw := range []string{"0", "-1", "0.001", "100.00", "1.999", "abc", ""} {
		if _, err := svc.ValidatePrice(raw); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("ValidatePrice(%q): expected ErrInvalidPrice, got %v", raw, err)
		}
	}
}

func TestQuoteConfirmActivatesListing(t *testing.T) {
	svc, st, fake, _, _ := newTestService(t)
	ctx := context.Background()

	seedCustody(t, st, fake, "seller", "1234567890", 100)
	fake.AddItem(500, &agent.FakeItem{
		Meta: agent.ItemMetadata{
			Name:          "go devs",
			InviteHandle:  "godevs",
			OriginDate:    time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
			ActivityCount: 12,
		},
		Owner: 100,
	})

	if _, err := svc.Quote(ctx, QuoteInput{SellerID: "seller", PlatformID: 500, Price: "25.00"}); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	item, err := svc.Confirm(ctx, "seller")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if item.Code == "" || item.Code[0] != 'G' {
		t.Fatalf("bad code %q", item.Code)
	}
	if !item.Listed {
		t.Fatal("item not active")
	}
	if got := item.Price.StringFixed(2); got != "25.00" {
		t.Fatalf("price = %s", got)
	}

	// Confirming again without a new quote fails.
	if _, err := svc.Confirm(ctx, "seller"); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote, got %v", err)
	}

	listed, err := svc.Browse(ctx, 2019, 6)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(listed) != 1 || listed[0].Code != item.Code {
		t.Fatalf("browse missed the listing: %+v", listed)
	}
}

func TestConfirmGates(t *testing.T) {
	svc, st, fake, _, _ := newTestService(t)
	ctx := context.Background()
	seedCustody(t, st, fake, "seller", "1234567890", 100)

	fake.AddItem(1, &agent.FakeItem{
		Meta:  agent.ItemMetadata{ActivityCount: 2, OriginDate: time.Now()},
		Owner: 100,
	})
	fake.AddItem(2, &agent.FakeItem{
		Meta:  agent.ItemMetadata{ActivityCount: 10, OriginDateHidden: true},
		Owner: 100,
	})
	fake.AddItem(3, &agent.FakeItem{
		Meta:  agent.ItemMetadata{ActivityCount: 10, OriginDate: time.Now()},
		Owner: 999, // not controlled by the custodial pool
	})

	cases := []struct {
		platformID int64
		want       error
	}{
		{1, ErrLowActivity},
		{2, ErrOriginHidden},
		{3, ErrNoController},
	}
	for _, tc := range cases {
		if _, err := svc.Quote(ctx, QuoteInput{SellerID: "seller", PlatformID: tc.platformID, Price: "5.00"}); err != nil {
			t.Fatalf("Quote(%d): %v", tc.platformID, err)
		}
		if _, err := svc.Confirm(ctx, "seller"); !errors.Is(err, tc.want) {
			t.Fatalf("Confirm(%d): got %v, want %v", tc.platformID, err, tc.want)
		}
		// The failed quote is gone.
		if _, err := svc.Confirm(ctx, "seller"); !errors.Is(err, ErrNoQuote) {
			t.Fatalf("Confirm(%d) retry: got %v", tc.platformID, err)
		}
	}
}

func TestQuoteExpires(t *testing.T) {
	svc, st, fake, _, _ := newTestService(t)
	ctx := context.Background()
	seedCustody(t, st, fake, "seller", "1234567890", 100)

	if _, err := svc.Quote(ctx, QuoteInput{SellerID: "seller", PlatformID: 500, Price: "5.00"}); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := svc.Confirm(ctx, "seller"); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("expected ErrNoQuote after expiry, got %v", err)
	}
}

func TestBulkUsesTemplateDateForHiddenOrigins(t *testing.T) {
	svc, st, fake, _, _ := newTestService(t)
	ctx := context.Background()
	seedCustody(t, st, fake, "seller", "1234567890", 100)

	fake.AddItem(1, &agent.FakeItem{
		Meta: agent.ItemMetadata{
			Name: "visible", ActivityCount: 10,
			OriginDate: time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		Owner: 100,
	})
	fake.AddItem(2, &agent.FakeItem{
		Meta:  agent.ItemMetadata{Name: "hidden", ActivityCount: 10, OriginDateHidden: true},
		Owner: 100,
	})
	fake.AddItem(3, &agent.FakeItem{
		Meta:  agent.ItemMetadata{Name: "quiet", ActivityCount: 1},
		Owner: 100,
	})

	templateDate := time.Date(2017, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.QuoteBulk(ctx, BulkInput{
		SellerID:    "seller",
		Keyword:     "oldies",
		OriginDate:  templateDate,
		Price:       "3.00",
		PlatformIDs: []int64{1, 2, 3},
	}); err != nil {
		t.Fatalf("QuoteBulk: %v", err)
	}

	result, err := svc.ConfirmBulk(ctx, "seller")
	if err != nil {
		t.Fatalf("ConfirmBulk: %v", err)
	}
	if len(result.Listed) != 2 {
		t.Fatalf("listed %d items, want 2", len(result.Listed))
	}
	if len(result.Skipped) != 1 || result.Skipped[0].PlatformID != 3 {
		t.Fatalf("unexpected skips: %+v", result.Skipped)
	}

	var hidden store.Item
	for _, item := range result.Listed {
		if item.PlatformID == 2 {
			hidden = item
		}
	}
	if !hidden.OriginDate.Equal(templateDate) {
		t.Fatalf("hidden origin date = %v, want template date", hidden.OriginDate)
	}
}

func TestChangePriceChecksOwnership(t *testing.T) {
	svc, st, fake, _, _ := newTestService(t)
	ctx := context.Background()
	seedCustody(t, st, fake, "seller", "1234567890", 100)
	fake.AddItem(500, &agent.FakeItem{
		Meta:  agent.ItemMetadata{ActivityCount: 10, OriginDate: time.Now()},
		Owner: 100,
	})

	if _, err := svc.Quote(ctx, QuoteInput{SellerID: "seller", PlatformID: 500, Price: "5.00"}); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	item, err := svc.Confirm(ctx, "seller")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if _, err := svc.ChangePrice(ctx, "mallory", item.Code, "1.00"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	updated, err := svc.ChangePrice(ctx, "seller", item.Code, "7.50")
	if err != nil {
		t.Fatalf("ChangePrice: %v", err)
	}
	if got := updated.Price.StringFixed(2); got != "7.50" {
		t.Fatalf("price = %s", got)
	}
}

func TestDelistOutcomes(t *testing.T) {
	svc, st, fake, notifier, reverser := newTestService(t)
	ctx := context.Background()
	seedCustody(t, st, fake, "seller", "1234567890", 100)
	fake.AddItem(500, &agent.FakeItem{
		Meta:  agent.ItemMetadata{ActivityCount: 10, OriginDate: time.Now()},
		Owner: 100,
	})

	list := func() store.Item {
		if _, err := svc.Quote(ctx, QuoteInput{SellerID: "seller", PlatformID: 500, Price: "5.00"}); err != nil {
			t.Fatalf("Quote: %v", err)
		}
		item, err := svc.Confirm(ctx, "seller")
		if err != nil {
			t.Fatalf("Confirm: %v", err)
		}
		return item
	}

	item := list()
	outcome, err := svc.Delist(ctx, DelistInput{SellerID: "seller", Code: item.Code, SellerPlatformID: 77})
	if err != nil {
		t.Fatalf("Delist: %v", err)
	}
	if outcome != OutcomeReversed {
		t.Fatalf("outcome = %q", outcome)
	}
	if reverser.calls != 1 {
		t.Fatalf("reverser calls = %d", reverser.calls)
	}
	if _, err := st.ActiveItemByCode(ctx, item.Code); !errors.Is(err, store.ErrItemNotAvailable) {
		t.Fatal("item still listed after delist")
	}

	// A failed reversal still takes the listing down, once, and pages the
	// operators instead of retrying.
	relisted := list()
	if relisted.Code != item.Code {
		t.Fatalf("code changed on relist: %q != %q", relisted.Code, item.Code)
	}
	reverser.err = errors.New("secret unavailable")
	outcome, err = svc.Delist(ctx, DelistInput{SellerID: "seller", Code: item.Code, SellerPlatformID: 77})
	if err != nil {
		t.Fatalf("Delist: %v", err)
	}
	if outcome != OutcomeManualReconciliation {
		t.Fatalf("outcome = %q", outcome)
	}
	if reverser.calls != 2 {
		t.Fatalf("reversal retried: calls = %d", reverser.calls)
	}
	if len(notifier.messages) != 1 || notifier.messages[0].Kind != notification.KindManualReconciliation {
		t.Fatalf("unexpected notifications: %+v", notifier.messages)
	}
	if _, err := st.ActiveItemByCode(ctx, item.Code); !errors.Is(err, store.ErrItemNotAvailable) {
		t.Fatal("item still listed after failed reversal")
	}
}
