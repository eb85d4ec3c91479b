package domain

import "errors"

// Grant-path error taxonomy. The broker maps these onto stable wire codes;
// the reader maps the codes back so both halves agree on what is fatal.
var (
	// ErrUnauthorized means the caller's credential is missing or expired.
	// Recoverable by re-authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeviceMismatch means another device holds the account's active
	// session. Fatal: the client must sign out; no new grants will be issued.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrForbidden means the user holds no entitlement for the content.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means the content or segment does not exist, or the
	// content is inactive.
	ErrNotFound = errors.New("not found")

	// ErrTransient covers network or storage failures minting or fetching a
	// URL. Retryable; any partially cached entry must be evicted first.
	ErrTransient = errors.New("transient fetch failure")
)

// Fatal reports whether err ends the reading session rather than a single
// page or fetch.
func Fatal(err error) bool {
	return errors.Is(err, ErrDeviceMismatch)
}
