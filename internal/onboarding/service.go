package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/groupmart/group_mart/internal/agent"
	"github.com/groupmart/group_mart/internal/store"
	"github.com/groupmart/group_mart/internal/vault"
)

// Steps of an enrollment in progress.
const (
	StepCodeSent         = "code-sent"
	StepPasswordRequired = "password-required"
)

const maxSecretAttempts = 3

var (
	// ErrInvalidAPIID is returned when the numeric platform credential is missing.
	ErrInvalidAPIID = errors.New("api id must be a positive number")
	// ErrInvalidAPIHash is returned when the credential hash is too short.
	ErrInvalidAPIHash = errors.New("api hash must be at least 10 characters")
	// ErrInvalidPhone is returned when the phone number is malformed.
	ErrInvalidPhone = errors.New("phone number must be 10 to 15 digits")
	// ErrNoPending is returned when no enrollment is in progress for the user.
	ErrNoPending = errors.New("no pending authentication")
	// ErrCodeInvalid is returned when the login code is wrong; the enrollment
	// stays open for another attempt.
	ErrCodeInvalid = errors.New("login code is invalid")
	// ErrSecretInvalid is returned when the second-factor secret is wrong.
	ErrSecretInvalid = errors.New("second-factor secret is invalid")
	// ErrSecondFactorAbsent rejects accounts without a second factor enabled.
	ErrSecondFactorAbsent = errors.New("account has no second factor enabled")
	// ErrAttemptsExhausted is returned after too many wrong secrets.
	ErrAttemptsExhausted = errors.New("too many second-factor attempts")
	// ErrNotAwaitingSecret is returned when a secret is submitted before a
	// code has been verified.
	ErrNotAwaitingSecret = errors.New("enrollment is not awaiting a secret")
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

type pending struct {
	creds     agent.Credentials
	conn      agent.Conn
	nonce     string
	role      store.AccountRole
	step      string
	attempts  int
	expiresAt time.Time
}

// Service drives custodial account enrollment. At most one enrollment is in
// progress per user; starting a new one abandons the previous.
type Service struct {
	store  store.Store
	vault  *vault.Vault
	agent  agent.Agent
	logger *slog.Logger
	ttl    time.Duration
	quota  int
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

// NewService builds an onboarding service.
func NewService(st store.Store, v *vault.Vault, ag agent.Agent, logger *slog.Logger, ttl time.Duration, quota int) *Service {
	return &Service{
		store:   st,
		vault:   v,
		agent:   ag,
		logger:  logger,
		ttl:     ttl,
		quota:   quota,
		now:     time.Now,
		pending: make(map[string]*pending),
	}
}

// BeginInput carries the credentials the user hands over for custody.
type BeginInput struct {
	UserID  string
	APIID   int
	APIHash string
	Phone   string
	Role    store.AccountRole
}

// Status reports where an enrollment stands.
type Status struct {
	Step         string
	AttemptsLeft int
}

// Begin validates the credentials, opens a connection on behalf of the user
// and requests a login code. Any enrollment already in progress for the user
// is abandoned first.
func (s *Service) Begin(ctx context.Context, input BeginInput) (Status, error) {
	if input.APIID <= 0 {
		return Status{}, ErrInvalidAPIID
	}
	if len(input.APIHash) < 10 {
		return Status{}, ErrInvalidAPIHash
	}
	if !phonePattern.MatchString(input.Phone) {
		return Status{}, ErrInvalidPhone
	}

	s.abandon(input.UserID)

	creds := agent.Credentials{APIID: input.APIID, APIHash: input.APIHash, Phone: input.Phone}
	conn, err := s.agent.Connect(ctx, creds)
	if err != nil {
		return Status{}, fmt.Errorf("connect: %w", err)
	}
	nonce, err := conn.SendCode(ctx)
	if err != nil {
		conn.Close() // nolint:errcheck
		return Status{}, fmt.Errorf("send code: %w", err)
	}

	s.mu.Lock()
	s.pending[input.UserID] = &pending{
		creds:     creds,
		conn:      conn,
		nonce:     nonce,
		role:      input.Role,
		step:      StepCodeSent,
		expiresAt: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.logger.Info("enrollment started", "user_id", input.UserID, "phone", input.Phone)
	return Status{Step: StepCodeSent}, nil
}

// SubmitCode verifies the login code. Accounts that sign in without a second
// factor are rejected outright: custody requires one.
func (s *Service) SubmitCode(ctx context.Context, userID, code string) (Status, error) {
	p, err := s.lookup(userID)
	if err != nil {
		return Status{}, err
	}

	status, err := p.conn.SignInWithCode(ctx, p.nonce, code)
	if err != nil {
		s.abandon(userID)
		return Status{}, fmt.Errorf("sign in: %w", err)
	}

	switch status {
	case agent.SignInCodeInvalid:
		return Status{Step: StepCodeSent}, ErrCodeInvalid
	case agent.SignInOK:
		s.abandon(userID)
		return Status{}, ErrSecondFactorAbsent
	case agent.SignInSecondFactorRequired:
		s.mu.Lock()
		p.step = StepPasswordRequired
		p.expiresAt = s.now().Add(s.ttl)
		s.mu.Unlock()
		return Status{Step: StepPasswordRequired, AttemptsLeft: maxSecretAttempts}, nil
	default:
		s.abandon(userID)
		return Status{}, fmt.Errorf("unexpected sign-in status %d", status)
	}
}

// SubmitSecondFactor verifies the secret and, on success, commits the account:
// the session token and the sealed secret are stored and the enrollment ends.
func (s *Service) SubmitSecondFactor(ctx context.Context, userID, secret string) (store.CustodialAccount, error) {
	p, err := s.lookup(userID)
	if err != nil {
		return store.CustodialAccount{}, err
	}
	s.mu.Lock()
	awaiting := p.step == StepPasswordRequired
	s.mu.Unlock()
	if !awaiting {
		return store.CustodialAccount{}, ErrNotAwaitingSecret
	}

	status, err := p.conn.SignInWithSecret(ctx, secret)
	if err != nil {
		s.abandon(userID)
		return store.CustodialAccount{}, fmt.Errorf("sign in: %w", err)
	}
	if status == agent.SignInSecretInvalid {
		s.mu.Lock()
		p.attempts++
		exhausted := p.attempts >= maxSecretAttempts
		s.mu.Unlock()
		if exhausted {
			s.abandon(userID)
			return store.CustodialAccount{}, ErrAttemptsExhausted
		}
		return store.CustodialAccount{}, ErrSecretInvalid
	}

	acct, err := s.commit(ctx, userID, p, secret)
	if err != nil {
		s.abandon(userID)
		return store.CustodialAccount{}, err
	}
	s.abandon(userID)
	return acct, nil
}

func (s *Service) commit(ctx context.Context, userID string, p *pending, secret string) (store.CustodialAccount, error) {
	identity, err := p.conn.Identity(ctx)
	if err != nil {
		return store.CustodialAccount{}, fmt.Errorf("identity: %w", err)
	}
	token, err := p.conn.SessionToken()
	if err != nil {
		return store.CustodialAccount{}, fmt.Errorf("session token: %w", err)
	}

	// The sealed secret is optional: custody still works without it, the
	// handover just falls back to granting elevated rights.
	blob, ok := s.vault.Encrypt(secret)
	if !ok {
		blob = nil
		s.logger.Warn("secret not sealed, handover will fall back", "user_id", userID)
	}

	acct, err := s.store.CreateAccount(ctx, store.CustodialAccount{
		OwnerID:         userID,
		APIID:           p.creds.APIID,
		APIHash:         p.creds.APIHash,
		Phone:           p.creds.Phone,
		SessionToken:    token,
		SecretBlob:      blob,
		HasSecondFactor: true,
		Role:            p.role,
	}, s.quota)
	if err != nil {
		return store.CustodialAccount{}, err
	}

	s.logger.Info("account enrolled",
		"user_id", userID, "account_id", acct.ID, "platform_user", identity.Username)
	return acct, nil
}

// Cancel abandons any enrollment in progress for the user.
func (s *Service) Cancel(_ context.Context, userID string) {
	s.abandon(userID)
}

// lookup returns the live pending enrollment, expiring it lazily.
func (s *Service) lookup(userID string) (*pending, error) {
	s.mu.Lock()
	p, ok := s.pending[userID]
	if ok && s.now().After(p.expiresAt) {
		delete(s.pending, userID)
		s.mu.Unlock()
		p.conn.Close() // nolint:errcheck
		return nil, ErrNoPending
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoPending
	}
	return p, nil
}

func (s *Service) abandon(userID string) {
	s.mu.Lock()
	p, ok := s.pending[userID]
	delete(s.pending, userID)
	s.mu.Unlock()
	if ok {
		p.conn.Close() // nolint:errcheck
	}
}
