package store

import "errors"

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSelfReferral = errors.New("users cannot refer themselves")

	ErrAccountNotFound = errors.New("custodial account not found")
	// ErrPhoneInUse means another active custodial account already uses the
	// phone number.
	ErrPhoneInUse = errors.New("phone number already in use by an active account")
	// ErrAccountQuota means the owner already holds the maximum number of
	// active general-role accounts.
	ErrAccountQuota = errors.New("active account quota exceeded")
	// ErrSettlementAccountExists means an active settlement-role account
	// already exists for the owner.
	ErrSettlementAccountExists = errors.New("active settlement account already exists")
	// ErrSecondFactorMissing guards the invariant that every active account
	// carries an escrowable second factor.
	ErrSecondFactorMissing = errors.New("custodial account has no second factor")

	ErrItemNotFound = errors.New("item not found")
	// ErrItemNotAvailable fails the whole purchase when any referenced code
	// is no longer an active listing.
	ErrItemNotAvailable = errors.New("item is not an active listing")
	ErrItemAlreadySold  = errors.New("item already sold")

	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrWithdrawalNotFound = errors.New("withdrawal request not found")
	// ErrWithdrawalDecided means the request already left the pending state.
	ErrWithdrawalDecided = errors.New("withdrawal request already decided")

	ErrTemplateNotFound = errors.New("keyword template not found")
	ErrTemplateExists   = errors.New("keyword template already registered by another user")
)
