package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// FakeAccount scripts one platform account for the fake agent.
type FakeAccount struct {
	Code       string // expected one-time code
	Secret     string // second-factor secret; empty means 2FA is disabled
	Identity   Identity
	ConnectErr error
}

// FakeItem scripts one community space.
type FakeItem struct {
	Meta        ItemMetadata
	Owner       int64
	Rights      map[int64]bool
	Members     map[int64]bool
	TransferErr error
	GrantErr    error
}

// GrantCall records a GrantElevatedRights invocation.
type GrantCall struct {
	ItemID int64
	UserID int64
	Rank   string
}

// TransferCall records a TransferOwnership invocation.
type TransferCall struct {
	ItemID int64
	UserID int64
}

// Fake is a scripted in-memory agent used by tests and local development.
type Fake struct {
	mu        sync.Mutex
	Accounts  map[string]*FakeAccount // keyed by phone
	Items     map[int64]*FakeItem
	Grants    []GrantCall
	Transfers []TransferCall
}

// NewFake returns an empty scripted agent.
func NewFake() *Fake {
	return &Fake{
		Accounts: make(map[string]*FakeAccount),
		Items:    make(map[int64]*FakeItem),
	}
}

// AddAccount registers a scripted account under its phone number.
func (f *Fake) AddAccount(phone string, acct *FakeAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounts[phone] = acct
}

// AddItem registers a scripted community space.
func (f *Fake) AddItem(id int64, item *FakeItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Rights == nil {
		item.Rights = make(map[int64]bool)
	}
	if item.Members == nil {
		item.Members = make(map[int64]bool)
	}
	f.Items[id] = item
}

// Connect implements Agent.
func (f *Fake) Connect(_ context.Context, creds Credentials) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	acct, ok := f.Accounts[creds.Phone]
	if !ok {
		return nil, RetryableErr("connect", fmt.Errorf("unknown phone %s", creds.Phone))
	}
	if acct.ConnectErr != nil {
		return nil, acct.ConnectErr
	}

	return &fakeConn{fake: f, phone: creds.Phone}, nil
}

// Resume implements Agent. Tokens are the ones minted by fakeConn.
func (f *Fake) Resume(_ context.Context, token string, creds Credentials) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	acct, ok := f.Accounts[creds.Phone]
	if !ok || token != fakeToken(creds.Phone) {
		return nil, FatalErr("resume", errors.New("session token rejected"))
	}

	return &fakeSession{fake: f, identity: acct.Identity}, nil
}

func fakeToken(phone string) string { return "session:" + phone }

type fakeConn struct {
	fake     *Fake
	phone    string
	signedIn bool
	closed   bool
}

func (c *fakeConn) account() *FakeAccount {
	return c.fake.Accounts[c.phone]
}

func (c *fakeConn) SendCode(_ context.Context) (string, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if c.closed {
		return "", FatalErr("send-code", errors.New("connection closed"))
	}
	return "nonce:" + c.phone, nil
}

func (c *fakeConn) SignInWithCode(_ context.Context, nonce, code string) (SignInStatus, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	acct := c.account()
	if nonce != "nonce:"+c.phone {
		return 0, FatalErr("sign-in", errors.New("nonce mismatch"))
	}
	if code != acct.Code {
		return SignInCodeInvalid, nil
	}
	if acct.Secret != "" {
		return SignInSecondFactorRequired, nil
	}
	c.signedIn = true
	return SignInOK, nil
}

func (c *fakeConn) SignInWithSecret(_ context.Context, secret string) (SignInStatus, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	acct := c.account()
	if acct.Secret == "" || secret != acct.Secret {
		return SignInSecretInvalid, nil
	}
	c.signedIn = true
	return SignInOK, nil
}

func (c *fakeConn) Identity(_ context.Context) (Identity, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if !c.signedIn {
		return Identity{}, FatalErr("identity", errors.New("not signed in"))
	}
	return c.account().Identity, nil
}

func (c *fakeConn) SessionToken() (string, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if !c.signedIn {
		return "", FatalErr("export-session", errors.New("not signed in"))
	}
	return fakeToken(c.phone), nil
}

func (c *fakeConn) Close() error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	c.closed = true
	return nil
}

type fakeSession struct {
	fake     *Fake
	identity Identity
}

func (s *fakeSession) item(itemID int64) (*FakeItem, error) {
	item, ok := s.fake.Items[itemID]
	if !ok {
		return nil, FatalErr("lookup-item", fmt.Errorf("unknown item %d", itemID))
	}
	return item, nil
}

func (s *fakeSession) HasElevatedRights(_ context.Context, itemID int64) (bool, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	item, err := s.item(itemID)
	if err != nil {
		return false, err
	}
	return item.Rights[s.identity.PlatformID] || item.Owner == s.identity.PlatformID, nil
}

func (s *fakeSession) ItemMetadata(_ context.Context, itemID int64) (ItemMetadata, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	item, err := s.item(itemID)
	if err != nil {
		return ItemMetadata{}, err
	}
	return item.Meta, nil
}

func (s *fakeSession) IsMember(_ context.Context, itemID, platformUserID int64) (bool, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	item, err := s.item(itemID)
	if err != nil {
		return false, err
	}
	return item.Members[platformUserID], nil
}

func (s *fakeSession) GrantElevatedRights(_ context.Context, itemID, platformUserID int64, rank string) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	item, err := s.item(itemID)
	if err != nil {
		return err
	}
	if item.GrantErr != nil {
		return item.GrantErr
	}
	item.Rights[platformUserID] = true
	s.fake.Grants = append(s.fake.Grants, GrantCall{ItemID: itemID, UserID: platformUserID, Rank: rank})
	return nil
}

func (s *fakeSession) TransferOwnership(_ context.Context, itemID, platformUserID int64, secret string) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()

	item, err := s.item(itemID)
	if err != nil {
		return err
	}
	if item.TransferErr != nil {
		return item.TransferErr
	}

	// Ownership transfer is only possible with the custodial account's own
	// second-factor secret.
	var owner *FakeAccount
	for _, a := range s.fake.Accounts {
		if a.Identity.PlatformID == s.identity.PlatformID {
			owner = a
			break
		}
	}
	if owner == nil || owner.Secret == "" || secret != owner.Secret {
		return FatalErr("transfer-ownership", errors.New("second factor rejected"))
	}

	item.Owner = platformUserID
	item.Rights[platformUserID] = true
	s.fake.Transfers = append(s.fake.Transfers, TransferCall{ItemID: itemID, UserID: platformUserID})
	return nil
}

func (s *fakeSession) Close() error { return nil }
