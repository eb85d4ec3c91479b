package reader

import (
	"strings"
	"testing"
	"time"
)

func TestOverlayLayoutIsDeterministicPerSession(t *testing.T) {
	session := Session{UserID: "u1", DeviceID: "device-a"}
	a := NewOverlay(session)
	b := NewOverlay(session)
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	b.now = func() time.Time { return fixed }

	linesA := a.Lines(4)
	linesB := b.Lines(4)
	if len(linesA) != 4 || len(linesB) != 4 {
		t.Fatalf("line counts = %d, %d, want 4", len(linesA), len(linesB))
	}
	for i := range linesA {
		if linesA[i] != linesB[i] {
			t.Fatalf("line %d differs across same-session overlays:\n%+v\n%+v", i, linesA[i], linesB[i])
		}
		if !strings.Contains(linesA[i].Text, "u1") {
			t.Fatalf("line %d text %q lacks identity", i, linesA[i].Text)
		}
	}
}

func TestOverlayLayoutDiffersAcrossSessions(t *testing.T) {
	a := NewOverlay(Session{UserID: "u1", DeviceID: "device-a"})
	b := NewOverlay(Session{UserID: "u1", DeviceID: "device-b"})

	linesA := a.Lines(3)
	linesB := b.Lines(3)
	same := true
	for i := range linesA {
		if linesA[i].X != linesB[i].X || linesA[i].Y != linesB[i].Y {
			same = false
		}
	}
	if same {
		t.Fatal("different devices produced identical watermark layouts")
	}
}

func TestDefaultDeterrenceEnablesEverything(t *testing.T) {
	d := DefaultDeterrence()
	if !d.BlockCopy || !d.BlockContextMenu || !d.BlockPrint || !d.ObscureOnBackground {
		t.Fatalf("deterrence = %+v, want all enabled", d)
	}
}
