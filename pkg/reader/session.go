// Package reader implements the client-side engine of the secure reading
// pipeline: grant caching, virtualized rendering, gesture handling, and
// progress persistence. It is UI-toolkit agnostic; a host shell feeds it
// scroll and gesture events and draws the bitmaps it produces.
package reader

import "github.com/google/uuid"

// Session carries the identity a reading session operates under. It is
// passed explicitly into every component constructor; there is no ambient
// authentication state.
type Session struct {
	UserID    string
	DeviceID  string
	AuthToken string
}

// NewDeviceID mints the installation's device identifier. The host generates
// it once, persists it locally, and presents it on every grant request; it
// never changes for the lifetime of the install.
func NewDeviceID() string {
	return uuid.NewString()
}
