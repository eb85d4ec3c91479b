package reader

import (
	"context"
	"errors"
	"testing"

	"securereader/pkg/domain"
)

func TestGuardSignsOutExactlyOnceOnMismatch(t *testing.T) {
	broker := newFakeBroker().withThreeSegments()
	broker.grantErr = domain.ErrDeviceMismatch

	signOuts := 0
	guard := NewGuard(broker, domain.DeviceInfo{Platform: "ios", Model: "iPhone 15"}, func() { signOuts++ })
	ctx := context.Background()

	index := 0
	if _, err := guard.RequestGrant(ctx, "c1", &index); !errors.Is(err, domain.ErrDeviceMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := guard.RequestGrant(ctx, "c1", &index); !errors.Is(err, domain.ErrDeviceMismatch) {
		t.Fatalf("expected mismatch on second attempt, got %v", err)
	}

	if signOuts != 1 {
		t.Fatalf("sign-out invoked %d times, want exactly 1", signOuts)
	}
	if guard.Alive() {
		t.Fatal("session must be dead after mismatch")
	}

	// The broker is never reached once the session is dead.
	broker.mu.Lock()
	broker.grantErr = nil
	broker.mu.Unlock()
	if _, err := guard.RequestGrant(ctx, "c1", &index); !errors.Is(err, domain.ErrDeviceMismatch) {
		t.Fatalf("dead session grant: expected mismatch, got %v", err)
	}
	if calls := broker.segmentCallCount(0); calls != 0 {
		t.Fatalf("broker reached %d times after session death, want 0", calls)
	}
}

func TestGuardPassesThroughNonFatalErrors(t *testing.T) {
	broker := newFakeBroker().withThreeSegments()
	broker.grantErr = domain.ErrTransient

	signOuts := 0
	guard := NewGuard(broker, domain.DeviceInfo{}, func() { signOuts++ })

	index := 1
	if _, err := guard.RequestGrant(context.Background(), "c1", &index); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if signOuts != 0 {
		t.Fatalf("sign-out invoked %d times for a transient error, want 0", signOuts)
	}
	if !guard.Alive() {
		t.Fatal("transient errors must not kill the session")
	}
}

func TestGuardNegotiateAndTakeover(t *testing.T) {
	broker := newFakeBroker()
	ctx := context.Background()

	otherInfo := domain.DeviceInfo{Platform: "android", Model: "Pixel 8"}
	other := NewGuard(broker, otherInfo, nil)
	if _, conflict, err := other.Negotiate(ctx); err != nil || conflict {
		t.Fatalf("first device negotiate: conflict=%v err=%v", conflict, err)
	}

	mine := NewGuard(broker, domain.DeviceInfo{Platform: "ios", Model: "iPad Air"}, nil)
	active, conflict, err := mine.Negotiate(ctx)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !conflict {
		t.Fatal("expected a conflict against the active device")
	}
	if active != otherInfo {
		t.Fatalf("active device = %+v, want %+v", active, otherInfo)
	}

	if err := mine.Takeover(ctx); err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if broker.takeoverCalls != 1 {
		t.Fatalf("takeover calls = %d, want 1", broker.takeoverCalls)
	}
}
