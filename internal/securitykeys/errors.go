package securitykeys

import "errors"

// Sentinel errors for ceremony and storage operations. Handlers must collapse
// the authentication failures into a single generic response so callers cannot
// probe which credential IDs exist or which checks failed.
var (
	ErrNoActiveChallenge    = errors.New("no active challenge for session")
	ErrMalformedCredential  = errors.New("malformed credential payload")
	ErrRegistrationFailed   = errors.New("security key registration failed")
	ErrAuthenticationFailed = errors.New("security key authentication failed")
	ErrNotEligible          = errors.New("security key not eligible for this ceremony purpose")
	ErrPossibleClone        = errors.New("sign count did not advance, possible cloned authenticator")
	ErrHandleExhausted      = errors.New("could not allocate a unique user handle")

	ErrCredentialExists   = errors.New("credential already registered")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrHandleNotFound     = errors.New("user handle not found")
	ErrHandleTaken        = errors.New("user handle already taken")
	ErrSignCountStale     = errors.New("sign count changed concurrently")
)
