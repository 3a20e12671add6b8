package auth

import "errors"

// Authentication outcomes. The first four are expected, caller-attributable results;
// ErrStoreUnavailable is an infrastructure fault. Callers compare with errors.Is.
var (
	// ErrMalformedCredential: header absent, wrong scheme, wrong namespace or too few segments.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrInvalidOrExpiredCredential: no live key with that prefix. Never-issued, deactivated
	// and expired keys all end here so a caller cannot tell them apart.
	ErrInvalidOrExpiredCredential = errors.New("invalid or expired credential")

	// ErrInvalidCredential: the prefix resolved to a live key but the secret did not match.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInsufficientScope: authenticated, but the key lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")

	// ErrStoreUnavailable: the credential store could not answer the lookup.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Outcome returns a stable, low-cardinality label for an Authenticate result, used for
// metrics and audit reasons.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrInvalidOrExpiredCredential):
		return "invalid_or_expired"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, ErrInsufficientScope):
		return "insufficient_scope"
	default:
		return "error"
	}
}
