package store

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Memory is a concurrency-safe in-memory store. All composite operations run
// behind one mutex and either commit fully or abort before the first
// mutation. Used by unit tests and local development.
type Memory struct {
	mu           sync.Mutex
	users        map[string]*User
	accounts     map[string]*CustodialAccount
	items        map[int64]*Item // keyed by platform item id
	codes        map[int64]string
	codeIndex    map[string]int64
	transactions []Transaction
	withdrawals  map[string]*WithdrawalRequest
	earnings     []ReferralEarning
	templates    map[string]*Template
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]*User),
		accounts:    make(map[string]*CustodialAccount),
		items:       make(map[int64]*Item),
		codes:       make(map[int64]string),
		codeIndex:   make(map[string]int64),
		withdrawals: make(map[string]*WithdrawalRequest),
		templates:   make(map[string]*Template),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) EnsureUser(_ context.Context, id, displayName, referrerID string) (User, error) {
	if referrerID == id && id != "" {
		return User{}, ErrSelfReferral
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		u = &User{
			ID:          id,
			DisplayName: displayName,
			Balance:     decimal.Zero,
			TotalVolume: decimal.Zero,
			CreatedAt:   time.Now().UTC(),
		}
		m.users[id] = u
	} else if displayName != "" {
		u.DisplayName = displayName
	}

	// The referrer binds at most once; a bound referrer is immutable.
	if u.ReferrerID == "" && referrerID != "" {
		if _, exists := m.users[referrerID]; exists {
			u.ReferrerID = referrerID
		}
	}

	return *u, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

func (m *Memory) CreateAccount(_ context.Context, acct CustodialAccount, generalQuota int) (CustodialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[acct.OwnerID]; !ok {
		return CustodialAccount{}, ErrUserNotFound
	}
	if !acct.HasSecondFactor {
		return CustodialAccount{}, ErrSecondFactorMissing
	}

	general, settlement := 0, 0
	for _, existing := range m.accounts {
		if !existing.Active {
			continue
		}
		if existing.Phone == acct.Phone {
			return CustodialAccount{}, ErrPhoneInUse
		}
		if existing.OwnerID != acct.OwnerID {
			continue
		}
		switch existing.Role {
		case RoleGeneral:
			general++
		case RoleSettlement:
			settlement++
		}
	}

	switch acct.Role {
	case RoleSettlement:
		if settlement >= 1 {
			return CustodialAccount{}, ErrSettlementAccountExists
		}
	default:
		acct.Role = RoleGeneral
		if general >= generalQuota {
			return CustodialAccount{}, ErrAccountQuota
		}
	}

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.Active = true
	acct.CreatedAt = time.Now().UTC()

	stored := acct
	m.accounts[acct.ID] = &stored
	return acct, nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (CustodialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return CustodialAccount{}, ErrAccountNotFound
	}
	return *acct, nil
}

func (m *Memory) ActiveAccounts(_ context.Context) ([]CustodialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CustodialAccount
	for _, acct := range m.accounts {
		if acct.Active && acct.Role == RoleGeneral {
			out = append(out, *acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AccountsByOwner(_ context.Context, ownerID string) ([]CustodialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []CustodialAccount
	for _, acct := range m.accounts {
		if acct.OwnerID == ownerID && acct.Active {
			out = append(out, *acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeactivateAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Active = false
	return nil
}

func (m *Memory) GetOrCreateCode(_ context.Context, platformID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeLocked(platformID)
}

func (m *Memory) codeLocked(platformID int64) (string, error) {
	if code, ok := m.codes[platformID]; ok {
		return code, nil
	}

	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.codeIndex[code]; taken {
			continue
		}
		m.codes[platformID] = code
		m.codeIndex[code] = platformID
		return code, nil
	}
}

func randomCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 0, 7)
	out = append(out, 'G')
	for _, b := range buf {
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out), nil
}

func (m *Memory) UpsertItem(_ context.Context, item Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.codeLocked(item.PlatformID)
	if err != nil {
		return Item{}, err
	}
	item.Code = code

	if existing, ok := m.items[item.PlatformID]; ok {
		item.ID = existing.ID
	} else if item.ID == "" {
		item.ID = uuid.NewString()
	}

	item.Listed = true
	item.SoldTo = ""
	item.ListedAt = time.Now().UTC()

	stored := item
	m.items[item.PlatformID] = &stored
	return item, nil
}

func (m *Memory) itemByCodeLocked(code string) (*Item, bool) {
	platformID, ok := m.codeIndex[code]
	if !ok {
		return nil, false
	}
	item, ok := m.items[platformID]
	return item, ok
}

func (m *Memory) ItemByCode(_ context.Context, code string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.itemByCodeLocked(code)
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return *item, nil
}

func (m *Memory) ActiveItemByCode(_ context.Context, code string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.itemByCodeLocked(code)
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if !item.Listed {
		return Item{}, ErrItemNotAvailable
	}
	return *item, nil
}

func (m *Memory) ActiveItemsByDate(_ context.Context, year, month int) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, item := range m.items {
		if !item.Listed {
			continue
		}
		if item.OriginDate.Year() != year {
			continue
		}
		if month != 0 && int(item.OriginDate.Month()) != month {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *Memory) SetItemPrice(_ context.Context, code string, price decimal.Decimal) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.itemByCodeLocked(code)
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if !item.Listed {
		return Item{}, ErrItemNotAvailable
	}
	item.Price = price
	return *item, nil
}

func (m *Memory) MarkDelisted(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.itemByCodeLocked(code)
	if !ok {
		return ErrItemNotFound
	}
	if !item.Listed {
		return ErrItemNotAvailable
	}
	item.Listed = false
	return nil
}

func (m *Memory) HasPurchased(_ context.Context, buyerID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.transactions {
		if tx.UserID != buyerID || tx.Kind != KindPurchase {
			continue
		}
		for _, id := range tx.ItemIDs {
			if id == itemID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Memory) SaveTemplate(_ context.Context, tpl Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.templates[tpl.Keyword]; ok && existing.OwnerID != tpl.OwnerID {
		return ErrTemplateExists
	}
	tpl.CreatedAt = time.Now().UTC()
	stored := tpl
	m.templates[tpl.Keyword] = &stored
	return nil
}

func (m *Memory) TemplateByKeyword(_ context.Context, keyword string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[keyword]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	return *tpl, nil
}

func (m *Memory) PurchaseItems(_ context.Context, input PurchaseInput) (PurchaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyer, ok := m.users[input.BuyerID]
	if !ok {
		return PurchaseResult{}, ErrUserNotFound
	}

	// Validation phase: resolve every code against currently-active
	// listings and compute fees before the first mutation.
	seen := make(map[string]bool, len(input.Codes))
	items := make([]*Item, 0, len(input.Codes))
	subtotal := decimal.Zero
	for _, code := range input.Codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		item, ok := m.itemByCodeLocked(code)
		if !ok || !item.Listed {
			return PurchaseResult{}, ErrItemNotAvailable
		}
		items = append(items, item)
		subtotal = subtotal.Add(item.Price)
	}
	if len(items) == 0 {
		return PurchaseResult{}, ErrItemNotAvailable
	}

	fee := subtotal.Mul(input.BuyingFeeRate).Round(2)
	total := subtotal.Add(fee)
	if buyer.Balance.LessThan(total) {
		return PurchaseResult{}, ErrInsufficientBalance
	}

	// Mutation phase: debit, invalidate listings, then log, in that order.
	buyer.Balance = buyer.Balance.Sub(total)

	itemIDs := make([]string, 0, len(items))
	snapshot := make([]Item, 0, len(items))
	for _, item := range items {
		item.Listed = false
		itemIDs = append(itemIDs, item.ID)
		snapshot = append(snapshot, *item)
	}

	tx := m.appendTransactionLocked(input.BuyerID, KindPurchase, total.Neg(), itemIDs, "completed")
	m.postCommissionLocked(buyer.ReferrerID, input.BuyerID, tx.ID, fee, input.ReferralRate, itemIDs)

	return PurchaseResult{
		TransactionID: tx.ID,
		Subtotal:      subtotal,
		Fee:           fee,
		Total:         total,
		NewBalance:    buyer.Balance,
		Items:         snapshot,
	}, nil
}

func (m *Memory) SettleSale(_ context.Context, input SettleInput) (SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var item *Item
	for _, candidate := range m.items {
		if candidate.ID == input.ItemID {
			item = candidate
			break
		}
	}
	if item == nil {
		return SettleResult{}, ErrItemNotFound
	}
	if item.SoldTo != "" {
		return SettleResult{}, ErrItemAlreadySold
	}

	seller, ok := m.users[item.OwnerID]
	if !ok {
		return SettleResult{}, ErrUserNotFound
	}

	fee := item.Price.Mul(input.SellingFeeRate).Round(2)
	earnings := item.Price.Sub(fee)

	m.creditLocked(seller, earnings)
	item.SoldTo = input.BuyerID

	saleTx := m.appendTransactionLocked(seller.ID, KindSale, earnings, []string{item.ID}, "completed")
	commission := m.postCommissionLocked(seller.ReferrerID, seller.ID, saleTx.ID, fee, input.ReferralRate, []string{item.ID})
	auditTx := m.appendTransactionLocked(input.BuyerID, KindTransferAudit, item.Price, []string{item.ID}, input.TransferType)

	return SettleResult{
		SellerID:           seller.ID,
		Price:              item.Price,
		Fee:                fee,
		SellerEarnings:     earnings,
		Commission:         commission,
		SaleTransactionID:  saleTx.ID,
		AuditTransactionID: auditTx.ID,
	}, nil
}

func (m *Memory) CreateWithdrawal(_ context.Context, input WithdrawInput) (WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[input.UserID]
	if !ok {
		return WithdrawalRequest{}, ErrUserNotFound
	}
	if user.Balance.LessThan(input.Amount) {
		return WithdrawalRequest{}, ErrInsufficientBalance
	}

	user.Balance = user.Balance.Sub(input.Amount)

	reserve := m.appendTransactionLocked(input.UserID, KindWithdrawal, input.Amount.Neg(), nil, "pending")

	req := WithdrawalRequest{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Amount:    input.Amount,
		Address:   input.Address,
		Status:    WithdrawalPending,
		TxID:      reserve.ID,
		CreatedAt: time.Now().UTC(),
	}
	stored := req
	m.withdrawals[req.ID] = &stored
	return req, nil
}

func (m *Memory) DecideWithdrawal(_ context.Context, requestID string, approve bool) (WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.withdrawals[requestID]
	if !ok {
		return WithdrawalRequest{}, ErrWithdrawalNotFound
	}
	if req.Status != WithdrawalPending {
		return WithdrawalRequest{}, ErrWithdrawalDecided
	}

	now := time.Now().UTC()
	req.ProcessedAt = &now

	if approve {
		req.Status = WithdrawalApproved
		m.setTransactionStatusLocked(req.TxID, "completed")
		return *req, nil
	}

	req.Status = WithdrawalRejected
	if user, ok := m.users[req.UserID]; ok {
		user.Balance = user.Balance.Add(req.Amount)
	}
	m.setTransactionStatusLocked(req.TxID, "refunded")
	m.appendTransactionLocked(req.UserID, KindWithdrawal, req.Amount, nil, "refunded")
	return *req, nil
}

func (m *Memory) PendingWithdrawals(_ context.Context) ([]WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WithdrawalRequest
	for _, req := range m.withdrawals {
		if req.Status == WithdrawalPending {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdjustBalance(_ context.Context, userID string, amount decimal.Decimal, kind TransactionKind) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}

	next := user.Balance.Add(amount)
	if next.IsNegative() {
		return User{}, ErrInsufficientBalance
	}

	if amount.IsPositive() {
		m.creditLocked(user, amount)
	} else {
		user.Balance = next
	}
	m.appendTransactionLocked(userID, kind, amount, nil, "completed")
	return *user, nil
}

func (m *Memory) TransactionsByUser(_ context.Context, userID string, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID != userID {
			continue
		}
		out = append(out, m.transactions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ReferralEarningsByReferrer(_ context.Context, referrerID string) ([]ReferralEarning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ReferralEarning
	for _, e := range m.earnings {
		if e.ReferrerID == referrerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// creditLocked adds a positive inflow to balance and lifetime volume.
func (m *Memory) creditLocked(user *User, amount decimal.Decimal) {
	user.Balance = user.Balance.Add(amount)
	user.TotalVolume = user.TotalVolume.Add(amount)
}

func (m *Memory) appendTransactionLocked(userID string, kind TransactionKind, amount decimal.Decimal, itemIDs []string, status string) Transaction {
	tx := Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		ItemIDs:   append([]string(nil), itemIDs...),
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	m.transactions = append(m.transactions, tx)
	return tx
}

func (m *Memory) setTransactionStatusLocked(txID, status string) {
	for i := range m.transactions {
		if m.transactions[i].ID == txID {
			m.transactions[i].Status = status
			return
		}
	}
}

// postCommissionLocked credits the referrer a fraction of the fee and logs
// the commission after its originating transaction. Returns the commission,
// zero when no referrer is bound or the rounded commission is zero.
func (m *Memory) postCommissionLocked(referrerID, referredID, originTxID string, fee, rate decimal.Decimal, itemIDs []string) decimal.Decimal {
	if referrerID == "" {
		return decimal.Zero
	}
	referrer, ok := m.users[referrerID]
	if !ok {
		return decimal.Zero
	}

	commission := fee.Mul(rate).Round(2)
	if !commission.IsPositive() {
		return decimal.Zero
	}

	m.creditLocked(referrer, commission)
	m.appendTransactionLocked(referrerID, KindReferralCommission, commission, itemIDs, "completed")
	m.earnings = append(m.earnings, ReferralEarning{
		ID:            uuid.NewString(),
		ReferrerID:    referrerID,
		ReferredID:    referredID,
		TransactionID: originTxID,
		FeeBasis:      fee,
		Commission:    commission,
		CreatedAt:     time.Now().UTC(),
	})
	return commission
}
