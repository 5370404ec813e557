// Package agent abstracts the messaging platform's control plane: connecting
// and authenticating custodial accounts, querying rights and membership, and
// performing grants or ownership transfers. The marketplace core never speaks
// the platform wire protocol directly.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials identify a custodial account against the platform.
type Credentials struct {
	APIID   int
	APIHash string
	Phone   string
}

// Identity is the platform-side identity of a signed-in account.
type Identity struct {
	PlatformID int64
	Username   string
}

// ItemMetadata describes a community space as reported by the platform.
type ItemMetadata struct {
	Name             string
	InviteHandle     string
	OriginDate       time.Time
	OriginDateHidden bool
	ActivityCount    int
	Private          bool
}

// SignInStatus is the outcome of a sign-in exchange.
type SignInStatus int

const (
	// SignInOK means the account is fully signed in.
	SignInOK SignInStatus = iota
	// SignInSecondFactorRequired means the platform demands the account's
	// second-factor secret before completing sign-in.
	SignInSecondFactorRequired
	// SignInCodeInvalid means the submitted one-time code was wrong.
	SignInCodeInvalid
	// SignInSecretInvalid means the submitted second-factor secret was wrong.
	SignInSecretInvalid
)

// FailureKind classifies platform failures so retry policy is visible in the
// type rather than inferred from error subclasses.
type FailureKind int

const (
	// Retryable failures may be safely attempted again (rate limits,
	// transient network faults).
	Retryable FailureKind = iota
	// Fatal failures must not be blindly retried; at the final hand-off a
	// retry risks double-transfer or paid-but-untransferred state.
	Fatal
)

// Failure wraps a platform error with its retry classification.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	kind := "retryable"
	if f.Kind == Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("platform %s failure during %s: %v", kind, f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// RetryableErr builds a Failure of kind Retryable.
func RetryableErr(op string, err error) *Failure {
	return &Failure{Kind: Retryable, Op: op, Err: err}
}

// FatalErr builds a Failure of kind Fatal.
func FatalErr(op string, err error) *Failure {
	return &Failure{Kind: Fatal, Op: op, Err: err}
}

// IsFatal reports whether err carries a Fatal platform classification.
func IsFatal(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == Fatal
}

// Agent opens authentication connections and resumes stored sessions.
type Agent interface {
	// Connect opens a fresh connection for interactive authentication.
	Connect(ctx context.Context, creds Credentials) (Conn, error)
	// Resume restores a session from a previously exported token.
	Resume(ctx context.Context, token string, creds Credentials) (Session, error)
}

// Conn is an open authentication exchange for one account. Every path out of
// the authentication state machine must Close it.
type Conn interface {
	// SendCode issues the one-time code challenge and returns its nonce.
	SendCode(ctx context.Context) (nonce string, err error)
	SignInWithCode(ctx context.Context, nonce, code string) (SignInStatus, error)
	SignInWithSecret(ctx context.Context, secret string) (SignInStatus, error)
	// Identity is only valid after a successful sign-in.
	Identity(ctx context.Context) (Identity, error)
	// SessionToken exports the signed-in session for durable storage.
	SessionToken() (string, error)
	Close() error
}

// Session is a resumed custodial session able to act on the platform.
type Session interface {
	HasElevatedRights(ctx context.Context, itemID int64) (bool, error)
	ItemMetadata(ctx context.Context, itemID int64) (ItemMetadata, error)
	IsMember(ctx context.Context, itemID int64, platformUserID int64) (bool, error)
	// GrantElevatedRights promotes a user to administrative (not creator
	// level) rights under the given visible rank.
	GrantElevatedRights(ctx context.Context, itemID, platformUserID int64, rank string) error
	// TransferOwnership performs the irreversible true hand-off; it requires
	// the account's second-factor secret.
	TransferOwnership(ctx context.Context, itemID, platformUserID int64, secret string) error
	Close() error
}
