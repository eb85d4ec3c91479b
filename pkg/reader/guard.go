package reader

import (
	"context"
	"sync"
	"sync/atomic"

	"securereader/pkg/domain"
)

// Guard wraps a Broker and enforces the single-active-device contract on
// the client. When any call reports a device mismatch the session is marked
// dead, the sign-out hook fires exactly once, and every later grant attempt
// fails fast without reaching the network. An already-held grant keeps
// working until its own expiry; that is the accepted exposure window.
type Guard struct {
	broker  Broker
	info    domain.DeviceInfo
	signOut func()

	once sync.Once
	dead atomic.Bool
}

// NewGuard wraps the broker. signOut is invoked at most once, on the first
// device mismatch.
func NewGuard(broker Broker, info domain.DeviceInfo, signOut func()) *Guard {
	if signOut == nil {
		signOut = func() {}
	}
	return &Guard{broker: broker, info: info, signOut: signOut}
}

// Alive reports whether the session may still request grants.
func (g *Guard) Alive() bool {
	return !g.dead.Load()
}

// Negotiate claims this device at login. When another device is active it
// returns that device's descriptor with conflict true; the host surfaces
// the confirmation dialog and calls Takeover on consent.
func (g *Guard) Negotiate(ctx context.Context) (domain.DeviceInfo, bool, error) {
	active, conflict, err := g.broker.ClaimDevice(ctx, g.info, false)
	if err != nil {
		return domain.DeviceInfo{}, false, g.check(err)
	}
	return active, conflict, nil
}

// Takeover supersedes the active device after explicit user confirmation.
func (g *Guard) Takeover(ctx context.Context) error {
	_, _, err := g.broker.ClaimDevice(ctx, g.info, true)
	return err
}

// RequestGrant implements Broker.
func (g *Guard) RequestGrant(ctx context.Context, contentID string, segmentIndex *int) (domain.Grant, error) {
	if g.dead.Load() {
		return domain.Grant{}, domain.ErrDeviceMismatch
	}
	grant, err := g.broker.RequestGrant(ctx, contentID, segmentIndex)
	if err != nil {
		return domain.Grant{}, g.check(err)
	}
	return grant, nil
}

// SegmentDirectory implements Broker.
func (g *Guard) SegmentDirectory(ctx context.Context, contentID string) (int, []domain.Segment, error) {
	total, segments, err := g.broker.SegmentDirectory(ctx, contentID)
	if err != nil {
		return 0, nil, g.check(err)
	}
	return total, segments, nil
}

// GetProgress implements Broker.
func (g *Guard) GetProgress(ctx context.Context, contentID string) (domain.ReadingProgress, error) {
	progress, err := g.broker.GetProgress(ctx, contentID)
	if err != nil {
		return domain.ReadingProgress{}, g.check(err)
	}
	return progress, nil
}

// SaveProgress implements Broker.
func (g *Guard) SaveProgress(ctx context.Context, contentID string, currentPage, totalPages int) error {
	return g.check(g.broker.SaveProgress(ctx, contentID, currentPage, totalPages))
}

// ClaimDevice implements Broker.
func (g *Guard) ClaimDevice(ctx context.Context, info domain.DeviceInfo, takeover bool) (domain.DeviceInfo, bool, error) {
	return g.broker.ClaimDevice(ctx, info, takeover)
}

func (g *Guard) check(err error) error {
	if err == nil {
		return nil
	}
	if domain.Fatal(err) {
		g.dead.Store(true)
		g.once.Do(g.signOut)
	}
	return err
}
