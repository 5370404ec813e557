package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    balance NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_volume NUMERIC(14,2) NOT NULL DEFAULT 0,
    referrer_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS custodial_accounts (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL REFERENCES users(id),
    api_id BIGINT NOT NULL,
    api_hash TEXT NOT NULL,
    phone TEXT NOT NULL,
    session_token TEXT NOT NULL,
    secret_blob BYTEA,
    has_second_factor BOOLEAN NOT NULL,
    role TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS custodial_accounts_active_phone
    ON custodial_accounts (phone) WHERE active;

CREATE TABLE IF NOT EXISTS item_codes (
    platform_id BIGINT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    platform_id BIGINT NOT NULL UNIQUE,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    invite_handle TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL REFERENCES users(id),
    account_id TEXT NOT NULL REFERENCES custodial_accounts(id),
    price NUMERIC(12,2) NOT NULL,
    origin_date DATE NOT NULL,
    activity_count INTEGER NOT NULL DEFAULT 0,
    listed BOOLEAN NOT NULL DEFAULT TRUE,
    sold_to TEXT NOT NULL DEFAULT '',
    listed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    kind TEXT NOT NULL,
    amount NUMERIC(12,2) NOT NULL,
    item_ids JSONB NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_user_created
    ON transactions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS withdrawal_requests (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    amount NUMERIC(12,2) NOT NULL,
    address TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    tx_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS referral_earnings (
    id TEXT PRIMARY KEY,
    referrer_id TEXT NOT NULL,
    referred_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    fee_basis NUMERIC(12,2) NOT NULL,
    commission NUMERIC(12,2) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS keyword_templates (
    keyword TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    origin_date DATE NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres persists the marketplace state in PostgreSQL. Every composite
// operation runs inside a single transaction with row locks so it is never
// observed half-applied.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres builds a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the durable tables if they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, display_name, balance::text, total_volume::text, referrer_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		u              User
		balance, total string
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &balance, &total, &u.ReferrerID, &u.CreatedAt); err != nil {
		return User{}, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return User{}, fmt.Errorf("parse balance: %w", err)
	}
	if u.TotalVolume, err = decimal.NewFromString(total); err != nil {
		return User{}, fmt.Errorf("parse total volume: %w", err)
	}
	return u, nil
}

func (p *Postgres) EnsureUser(ctx context.Context, id, displayName, referrerID string) (User, error) {
	if referrerID == id && id != "" {
		return User{}, ErrSelfReferral
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO users (id, display_name) VALUES ($1, $2)
        ON CONFLICT (id) DO NOTHING`, id, displayName); err != nil {
		return User{}, err
	}
	if displayName != "" {
		if _, err := tx.Exec(ctx, `UPDATE users SET display_name = $1 WHERE id = $2`, displayName, id); err != nil {
			return User{}, err
		}
	}
	if referrerID != "" {
		// Binds only when unset and only to an existing user.
		if _, err := tx.Exec(ctx, `UPDATE users SET referrer_id = $1
            WHERE id = $2 AND referrer_id = ''
            AND EXISTS (SELECT 1 FROM users WHERE id = $1)`, referrerID, id); err != nil {
			return User{}, err
		}
	}

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return User{}, err
	}
	return user, tx.Commit(ctx)
}

func (p *Postgres) GetUser(ctx context.Context, id string) (User, error) {
	user, err := scanUser(p.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

func (p *Postgres) CreateAccount(ctx context.Context, acct CustodialAccount, generalQuota int) (CustodialAccount, error) {
	if !acct.HasSecondFactor {
		return CustodialAccount{}, ErrSecondFactorMissing
	}
	if acct.Role == "" {
		acct.Role = RoleGeneral
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CustodialAccount{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// Lock the owner row so the per-owner quota check is race-free.
	var ownerID string
	err = tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, acct.OwnerID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustodialAccount{}, ErrUserNotFound
	} else if err != nil {
		return CustodialAccount{}, err
	}

	var phoneTaken bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM custodial_accounts WHERE phone = $1 AND active)`, acct.Phone).Scan(&phoneTaken); err != nil {
		return CustodialAccount{}, err
	}
	if phoneTaken {
		return CustodialAccount{}, ErrPhoneInUse
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM custodial_accounts
        WHERE owner_id = $1 AND role = $2 AND active`, acct.OwnerID, string(acct.Role)).Scan(&count); err != nil {
		return CustodialAccount{}, err
	}
	switch acct.Role {
	case RoleSettlement:
		if count >= 1 {
			return CustodialAccount{}, ErrSettlementAccountExists
		}
	default:
		if count >= generalQuota {
			return CustodialAccount{}, ErrAccountQuota
		}
	}

	acct.Active = true
	acct.CreatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `INSERT INTO custodial_accounts
        (id, owner_id, api_id, api_hash, phone, session_token, secret_blob, has_second_factor, role, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)`,
		acct.ID, acct.OwnerID, acct.APIID, acct.APIHash, acct.Phone, acct.SessionToken,
		acct.SecretBlob, acct.HasSecondFactor, string(acct.Role), acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return CustodialAccount{}, ErrPhoneInUse
		}
		return CustodialAccount{}, err
	}

	return acct, tx.Commit(ctx)
}

const accountColumns = `id, owner_id, api_id, api_hash, phone, session_token, secret_blob, has_second_factor, role, active, created_at`

func scanAccount(row rowScanner) (CustodialAccount, error) {
	var (
		a    CustodialAccount
		role string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.APIID, &a.APIHash, &a.Phone, &a.SessionToken,
		&a.SecretBlob, &a.HasSecondFactor, &role, &a.Active, &a.CreatedAt); err != nil {
		return CustodialAccount{}, err
	}
	a.Role = AccountRole(role)
	return a, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id string) (CustodialAccount, error) {
	acct, err := scanAccount(p.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM custodial_accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return CustodialAccount{}, ErrAccountNotFound
	}
	return acct, err
}

func (p *Postgres) queryAccounts(ctx context.Context, query string, args ...any) ([]CustodialAccount, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustodialAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveAccounts(ctx context.Context) ([]CustodialAccount, error) {
	return p.queryAccounts(ctx, `SELECT `+accountColumns+` FROM custodial_accounts
        WHERE active AND role = $1 ORDER BY created_at`, string(RoleGeneral))
}

func (p *Postgres) AccountsByOwner(ctx context.Context, ownerID string) ([]CustodialAccount, error) {
	return p.queryAccounts(ctx, `SELECT `+accountColumns+` FROM custodial_accounts
        WHERE owner_id = $1 AND active ORDER BY created_at`, ownerID)
}

func (p *Postgres) DeactivateAccount(ctx context.Context, id string) error {
	cmd, err := p.db.Exec(ctx, `UPDATE custodial_accounts SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *Postgres) GetOrCreateCode(ctx context.Context, platformID int64) (string, error) {
	for {
		var code string
		err := p.db.QueryRow(ctx, `SELECT code FROM item_codes WHERE platform_id = $1`, platformID).Scan(&code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}

		candidate, err := randomCode()
		if err != nil {
			return "", err
		}
		_, err = p.db.Exec(ctx, `INSERT INTO item_codes (platform_id, code) VALUES ($1, $2)`, platformID, candidate)
		if err == nil {
			return candidate, nil
		}
		// Either the code collided or a concurrent writer claimed the
		// platform id first; loop and re-read.
		if !isUniqueViolation(err) {
			return "", err
		}
	}
}

func (p *Postgres) UpsertItem(ctx context.Context, item Item) (Item, error) {
	code, err := p.GetOrCreateCode(ctx, item.PlatformID)
	if err != nil {
		return Item{}, err
	}
	item.Code = code
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Listed = true
	item.SoldTo = ""
	item.ListedAt = time.Now().UTC()

	err = p.db.QueryRow(ctx, `INSERT INTO items
        (id, platform_id, code, name, invite_handle, owner_id, account_id, price, origin_date, activity_count, listed, sold_to, listed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, '', $11)
        ON CONFLICT (platform_id) DO UPDATE SET
            name = EXCLUDED.name,
            invite_handle = EXCLUDED.invite_handle,
            owner_id = EXCLUDED.owner_id,
            account_id = EXCLUDED.account_id,
            price = EXCLUDED.price,
            origin_date = EXCLUDED.origin_date,
            activity_count = EXCLUDED.activity_count,
            listed = TRUE,
            sold_to = '',
            listed_at = EXCLUDED.listed_at
        RETURNING id`,
		item.ID, item.PlatformID, item.Code, item.Name, item.InviteHandle, item.OwnerID,
		item.AccountID, item.Price.StringFixed(2), item.OriginDate, item.ActivityCount, item.ListedAt).Scan(&item.ID)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

const itemColumns = `id, platform_id, code, name, invite_handle, owner_id, account_id, price::text, origin_date, activity_count, listed, sold_to, listed_at`

func scanItem(row rowScanner) (Item, error) {
	var (
		it    Item
		price string
	)
	if err := row.Scan(&it.ID, &it.PlatformID, &it.Code, &it.Name, &it.InviteHandle, &it.OwnerID,
		&it.AccountID, &price, &it.OriginDate, &it.ActivityCount, &it.Listed, &it.SoldTo, &it.ListedAt); err != nil {
		return Item{}, err
	}
	var err error
	if it.Price, err = decimal.NewFromString(price); err != nil {
		return Item{}, fmt.Errorf("parse price: %w", err)
	}
	return it, nil
}

func (p *Postgres) ItemByCode(ctx context.Context, code string) (Item, error) {
	item, err := scanItem(p.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	return item, err
}

func (p *Postgres) ActiveItemByCode(ctx context.Context, code string) (Item, error) {
	item, err := p.ItemByCode(ctx, code)
	if err != nil {
		return Item{}, err
	}
	if !item.Listed {
		return Item{}, ErrItemNotAvailable
	}
	return item, nil
}

func (p *Postgres) ActiveItemsByDate(ctx context.Context, year, month int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
        WHERE listed AND EXTRACT(YEAR FROM origin_date) = $1`
	args := []any{year}
	if month != 0 {
		query += ` AND EXTRACT(MONTH FROM origin_date) = $2`
		args = append(args, month)
	}
	query += ` ORDER BY price ASC, code ASC`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *Postgres) SetItemPrice(ctx context.Context, code string, price decimal.Decimal) (Item, error) {
	row := p.db.QueryRow(ctx, `UPDATE items SET price = $1 WHERE code = $2 AND listed
        RETURNING `+itemColumns, price.StringFixed(2), code)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := p.ItemByCode(ctx, code); lookupErr != nil {
			return Item{}, lookupErr
		}
		return Item{}, ErrItemNotAvailable
	}
	return item, err
}

func (p *Postgres) MarkDelisted(ctx context.Context, code string) error {
	cmd, err := p.db.Exec(ctx, `UPDATE items SET listed = FALSE WHERE code = $1 AND listed`, code)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, lookupErr := p.ItemByCode(ctx, code); lookupErr != nil {
			return lookupErr
		}
		return ErrItemNotAvailable
	}
	return nil
}

func (p *Postgres) HasPurchased(ctx context.Context, buyerID, itemID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (
        SELECT 1 FROM transactions
        WHERE user_id = $1 AND kind = $2 AND item_ids ? $3)`,
		buyerID, string(KindPurchase), itemID).Scan(&exists)
	return exists, err
}

func (p *Postgres) SaveTemplate(ctx context.Context, tpl Template) error {
	tag, err := p.db.Exec(ctx, `INSERT INTO keyword_templates (keyword, owner_id, origin_date)
        VALUES ($1, $2, $3)
        ON CONFLICT (keyword) DO UPDATE SET origin_date = EXCLUDED.origin_date
        WHERE keyword_templates.owner_id = EXCLUDED.owner_id`,
		tpl.Keyword, tpl.OwnerID, tpl.OriginDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateExists
	}
	return nil
}

func (p *Postgres) TemplateByKeyword(ctx context.Context, keyword string) (Template, error) {
	var tpl Template
	err := p.db.QueryRow(ctx, `SELECT keyword, owner_id, origin_date, created_at
        FROM keyword_templates WHERE keyword = $1`, keyword).
		Scan(&tpl.Keyword, &tpl.OwnerID, &tpl.OriginDate, &tpl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrTemplateNotFound
	}
	return tpl, err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID string, kind TransactionKind, amount decimal.Decimal, itemIDs []string, status string) (string, error) {
	id := uuid.NewString()
	if itemIDs == nil {
		itemIDs = []string{}
	}
	encoded, err := json.Marshal(itemIDs)
	if err != nil {
		return "", err
	}
	_, err = tx.Exec(ctx, `INSERT INTO transactions (id, user_id, kind, amount, item_ids, status)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, string(kind), amount.StringFixed(2), encoded, status)
	return id, err
}

// creditUser adds a positive inflow to balance and lifetime volume inside tx.
func creditUser(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `UPDATE users
        SET balance = balance + $1, total_volume = total_volume + $1
        WHERE id = $2`, amount.StringFixed(2), userID)
	return err
}

// postCommission credits the referrer a fraction of the fee inside tx and
// records it after the originating transaction.
func postCommission(ctx context.Context, tx pgx.Tx, referrerID, referredID, originTxID string, fee, rate decimal.Decimal, itemIDs []string) (decimal.Decimal, error) {
	if referrerID == "" {
		return decimal.Zero, nil
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, referrerID).Scan(&exists); err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, nil
	}

	commission := fee.Mul(rate).Round(2)
	if !commission.IsPositive() {
		return decimal.Zero, nil
	}

	if err := creditUser(ctx, tx, referrerID, commission); err != nil {
		return decimal.Zero, err
	}
	if _, err := insertTransaction(ctx, tx, referrerID, KindReferralCommission, commission, itemIDs, "completed"); err != nil {
		return decimal.Zero, err
	}
	_, err := tx.Exec(ctx, `INSERT INTO referral_earnings (id, referrer_id, referred_id, transaction_id, fee_basis, commission)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), referrerID, referredID, originTxID, fee.StringFixed(2), commission.StringFixed(2))
	if err != nil {
		return decimal.Zero, err
	}
	return commission, nil
}

func (p *Postgres) PurchaseItems(ctx context.Context, input PurchaseInput) (PurchaseResult, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PurchaseResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	buyer, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, input.BuyerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseResult{}, ErrUserNotFound
	} else if err != nil {
		return PurchaseResult{}, err
	}

	seen := make(map[string]bool, len(input.Codes))
	var items []Item
	subtotal := decimal.Zero
	for _, code := range input.Codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE code = $1 FOR UPDATE`, code))
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseResult{}, ErrItemNotAvailable
		} else if err != nil {
			return PurchaseResult{}, err
		}
		if !item.Listed {
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

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $1 WHERE id = $2`,
		total.StringFixed(2), input.BuyerID); err != nil {
		return PurchaseResult{}, err
	}

	itemIDs := make([]string, 0, len(items))
	for i := range items {
		if _, err := tx.Exec(ctx, `UPDATE items SET listed = FALSE WHERE id = $1`, items[i].ID); err != nil {
			return PurchaseResult{}, err
		}
		items[i].Listed = false
		itemIDs = append(itemIDs, items[i].ID)
	}

	txID, err := insertTransaction(ctx, tx, input.BuyerID, KindPurchase, total.Neg(), itemIDs, "completed")
	if err != nil {
		return PurchaseResult{}, err
	}
	if _, err := postCommission(ctx, tx, buyer.ReferrerID, input.BuyerID, txID, fee, input.ReferralRate, itemIDs); err != nil {
		return PurchaseResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseResult{}, err
	}

	return PurchaseResult{
		TransactionID: txID,
		Subtotal:      subtotal,
		Fee:           fee,
		Total:         total,
		NewBalance:    buyer.Balance.Sub(total),
		Items:         items,
	}, nil
}

func (p *Postgres) SettleSale(ctx context.Context, input SettleInput) (SettleResult, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, input.ItemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return SettleResult{}, ErrItemNotFound
	} else if err != nil {
		return SettleResult{}, err
	}
	if item.SoldTo != "" {
		return SettleResult{}, ErrItemAlreadySold
	}

	seller, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, item.OwnerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return SettleResult{}, ErrUserNotFound
	} else if err != nil {
		return SettleResult{}, err
	}

	fee := item.Price.Mul(input.SellingFeeRate).Round(2)
	earnings := item.Price.Sub(fee)

	if err := creditUser(ctx, tx, seller.ID, earnings); err != nil {
		return SettleResult{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE items SET sold_to = $1 WHERE id = $2`, input.BuyerID, item.ID); err != nil {
		return SettleResult{}, err
	}

	saleTxID, err := insertTransaction(ctx, tx, seller.ID, KindSale, earnings, []string{item.ID}, "completed")
	if err != nil {
		return SettleResult{}, err
	}
	commission, err := postCommission(ctx, tx, seller.ReferrerID, seller.ID, saleTxID, fee, input.ReferralRate, []string{item.ID})
	if err != nil {
		return SettleResult{}, err
	}
	auditTxID, err := insertTransaction(ctx, tx, input.BuyerID, KindTransferAudit, item.Price, []string{item.ID}, input.TransferType)
	if err != nil {
		return SettleResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, err
	}

	return SettleResult{
		SellerID:           seller.ID,
		Price:              item.Price,
		Fee:                fee,
		SellerEarnings:     earnings,
		Commission:         commission,
		SaleTransactionID:  saleTxID,
		AuditTransactionID: auditTxID,
	}, nil
}

func (p *Postgres) CreateWithdrawal(ctx context.Context, input WithdrawInput) (WithdrawalRequest, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return WithdrawalRequest{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, input.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return WithdrawalRequest{}, ErrUserNotFound
	} else if err != nil {
		return WithdrawalRequest{}, err
	}
	if user.Balance.LessThan(input.Amount) {
		return WithdrawalRequest{}, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $1 WHERE id = $2`,
		input.Amount.StringFixed(2), input.UserID); err != nil {
		return WithdrawalRequest{}, err
	}

	reserveTxID, err := insertTransaction(ctx, tx, input.UserID, KindWithdrawal, input.Amount.Neg(), nil, "pending")
	if err != nil {
		return WithdrawalRequest{}, err
	}

	req := WithdrawalRequest{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Amount:    input.Amount,
		Address:   input.Address,
		Status:    WithdrawalPending,
		TxID:      reserveTxID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `INSERT INTO withdrawal_requests (id, user_id, amount, address, status, tx_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.UserID, req.Amount.StringFixed(2), req.Address, string(req.Status), req.TxID, req.CreatedAt); err != nil {
		return WithdrawalRequest{}, err
	}

	return req, tx.Commit(ctx)
}

const withdrawalColumns = `id, user_id, amount::text, address, status, tx_id, created_at, processed_at`

func scanWithdrawal(row rowScanner) (WithdrawalRequest, error) {
	var (
		w      WithdrawalRequest
		amount string
		status string
	)
	if err := row.Scan(&w.ID, &w.UserID, &amount, &w.Address, &status, &w.TxID, &w.CreatedAt, &w.ProcessedAt); err != nil {
		return WithdrawalRequest{}, err
	}
	w.Status = WithdrawalStatus(status)
	var err error
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("parse amount: %w", err)
	}
	return w, nil
}

func (p *Postgres) DecideWithdrawal(ctx context.Context, requestID string, approve bool) (WithdrawalRequest, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return WithdrawalRequest{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	req, err := scanWithdrawal(tx.QueryRow(ctx, `SELECT `+withdrawalColumns+`
        FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return WithdrawalRequest{}, ErrWithdrawalNotFound
	} else if err != nil {
		return WithdrawalRequest{}, err
	}
	if req.Status != WithdrawalPending {
		return WithdrawalRequest{}, ErrWithdrawalDecided
	}

	now := time.Now().UTC()
	req.ProcessedAt = &now
	if approve {
		req.Status = WithdrawalApproved
	} else {
		req.Status = WithdrawalRejected
	}

	if _, err := tx.Exec(ctx, `UPDATE withdrawal_requests SET status = $1, processed_at = $2 WHERE id = $3`,
		string(req.Status), now, requestID); err != nil {
		return WithdrawalRequest{}, err
	}

	// The reserve posting turns terminal with the decision so the history
	// never shows an in-flight debit for a settled request.
	reserveStatus := "completed"
	if !approve {
		reserveStatus = "refunded"
	}
	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $1 WHERE id = $2`,
		reserveStatus, req.TxID); err != nil {
		return WithdrawalRequest{}, err
	}

	if !approve {
		if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id = $2`,
			req.Amount.StringFixed(2), req.UserID); err != nil {
			return WithdrawalRequest{}, err
		}
		if _, err := insertTransaction(ctx, tx, req.UserID, KindWithdrawal, req.Amount, nil, "refunded"); err != nil {
			return WithdrawalRequest{}, err
		}
	}

	return req, tx.Commit(ctx)
}

func (p *Postgres) PendingWithdrawals(ctx context.Context) ([]WithdrawalRequest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+withdrawalColumns+`
        FROM withdrawal_requests WHERE status = $1 ORDER BY created_at`, string(WithdrawalPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WithdrawalRequest
	for rows.Next() {
		req, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) AdjustBalance(ctx context.Context, userID string, amount decimal.Decimal, kind TransactionKind) (User, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	} else if err != nil {
		return User{}, err
	}

	next := user.Balance.Add(amount)
	if next.IsNegative() {
		return User{}, ErrInsufficientBalance
	}

	if amount.IsPositive() {
		if err := creditUser(ctx, tx, userID, amount); err != nil {
			return User{}, err
		}
		user.TotalVolume = user.TotalVolume.Add(amount)
	} else {
		if _, err := tx.Exec(ctx, `UPDATE users SET balance = $1 WHERE id = $2`,
			next.StringFixed(2), userID); err != nil {
			return User{}, err
		}
	}
	user.Balance = next

	if _, err := insertTransaction(ctx, tx, userID, kind, amount, nil, "completed"); err != nil {
		return User{}, err
	}

	return user, tx.Commit(ctx)
}

func (p *Postgres) TransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx, `SELECT id, user_id, kind, amount::text, item_ids, status, created_at
        FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t       Transaction
			kind    string
			amount  string
			itemIDs []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &amount, &itemIDs, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = TransactionKind(kind)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if err := json.Unmarshal(itemIDs, &t.ItemIDs); err != nil {
			return nil, fmt.Errorf("decode item ids: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ReferralEarningsByReferrer(ctx context.Context, referrerID string) ([]ReferralEarning, error) {
	rows, err := p.db.Query(ctx, `SELECT id, referrer_id, referred_id, transaction_id, fee_basis::text, commission::text, created_at
        FROM referral_earnings WHERE referrer_id = $1 ORDER BY created_at`, referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferralEarning
	for rows.Next() {
		var (
			e        ReferralEarning
			basis    string
			earnings string
		)
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.TransactionID, &basis, &earnings, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.FeeBasis, err = decimal.NewFromString(basis); err != nil {
			return nil, fmt.Errorf("parse fee basis: %w", err)
		}
		if e.Commission, err = decimal.NewFromString(earnings); err != nil {
			return nil, fmt.Errorf("parse commission: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
