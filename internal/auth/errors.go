package auth

import "errors"

var (
	// ErrInvalidSession covers every session cookie failure: bad signature,
	// expiry, wrong provider or an undecodable payload.
	ErrInvalidSession = errors.New("invalid session")
	// ErrForgeryDetected means the OAuth state did not match the state cookie.
	ErrForgeryDetected = errors.New("oauth state mismatch")
	// ErrProviderUnavailable wraps network, status and claim failures while
	// talking to the identity provider.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrSessionEncoding means a verified login could not be packed into a
	// session cookie.
	ErrSessionEncoding = errors.New("session cannot be encoded")
	// ErrForbidden is returned by Require when a capability is missing.
	ErrForbidden = errors.New("forbidden")
)

// denialReason gives a metrics label for an authentication failure.
func denialReason(err error) string {
	switch {
	case errors.Is(err, ErrForgeryDetected):
		return "forgery"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider"
	case errors.Is(err, ErrSessionEncoding):
		return "session_encoding"
	case errors.Is(err, ErrInvalidSession):
		return "session"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "other"
	}
}
