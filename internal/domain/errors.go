package domain

import "errors"

var (
	// ErrInvalidInput marks caller mistakes that are rejected without retry.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidPhoneFormat rejects phone numbers outside E.164.
	ErrInvalidPhoneFormat = errors.New("phone number must be in E.164 format, e.g. +8613812345678")
	// ErrNoStoredPhone is returned by reconnect before any login.
	ErrNoStoredPhone = errors.New("no stored phone number, cannot reconnect")
	// ErrNotLoggedIn is returned by operations that need an authorized session.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrPasswordRequired is reported by the transport when two-factor auth is enabled.
	ErrPasswordRequired = errors.New("two-factor password required")
	// ErrCodeNotRequested means login info arrived while no code or password was pending.
	ErrCodeNotRequested = errors.New("verification code was not requested for this phone")
	// ErrNotFound marks a missing keyword.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKeyword rejects keyword content that already exists.
	ErrDuplicateKeyword = errors.New("keyword already exists")
	// ErrEmptyIDs rejects batch deletes without ids.
	ErrEmptyIDs = errors.New("ids must not be empty")
)

// IsBadRequest reports whether err is a caller mistake.
// Params: error from a service call.
// Returns: true for input-class errors.
func IsBadRequest(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidPhoneFormat),
		errors.Is(err, ErrDuplicateKeyword),
		errors.Is(err, ErrEmptyIDs),
		errors.Is(err, ErrCodeNotRequested),
		errors.Is(err, ErrNoStoredPhone):
		return true
	default:
		return false
	}
}
