package reader

import (
	"context"
	"math"
	"testing"
)

type fakeZoomHost struct {
	previews  []float64
	committed []float64
	offset    float64
	commitErr error
}

func (h *fakeZoomHost) PreviewTransform(scale float64) { h.previews = append(h.previews, scale) }

func (h *fakeZoomHost) CommitScale(_ context.Context, scale float64) error {
	if h.commitErr != nil {
		return h.commitErr
	}
	h.committed = append(h.committed, scale)
	return nil
}

func (h *fakeZoomHost) ScrollOffset() float64          { return h.offset }
func (h *fakeZoomHost) SetScrollOffset(offset float64) { h.offset = offset }

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPinchScalesFromDistanceRatioAndHoldsFocalPoint(t *testing.T) {
	host := &fakeZoomHost{offset: 1000}
	z := NewZoomController(host, nil, ZoomConfig{MinScale: 0.5, MaxScale: 3})

	z.BeginPinch(100, 200)
	if z.Phase() != ZoomGesturing {
		t.Fatalf("phase = %v, want gesturing", z.Phase())
	}

	z.Pinch(150)
	if got := z.Scale(); !almostEqual(got, 1.5) {
		t.Fatalf("scale = %v, want 1.5", got)
	}
	// Document point under the fingers was (1000+200)/1 = 1200; at scale
	// 1.5 the offset keeping it at viewport y=200 is 1200*1.5-200.
	if !almostEqual(host.offset, 1600) {
		t.Fatalf("offset = %v, want 1600", host.offset)
	}
	if len(host.previews) != 1 || !almostEqual(host.previews[0], 1.5) {
		t.Fatalf("previews = %v, want [1.5]", host.previews)
	}

	if err := z.EndPinch(context.Background()); err != nil {
		t.Fatalf("EndPinch: %v", err)
	}
	if z.Phase() != ZoomIdle {
		t.Fatalf("phase after commit = %v, want idle", z.Phase())
	}
	if len(host.committed) != 1 || !almostEqual(host.committed[0], 1.5) {
		t.Fatalf("committed = %v, want [1.5]", host.committed)
	}
}

func TestPinchClampsToBounds(t *testing.T) {
	host := &fakeZoomHost{}
	z := NewZoomController(host, nil, ZoomConfig{MinScale: 0.5, MaxScale: 3})

	z.BeginPinch(100, 0)
	z.Pinch(1000)
	if got := z.Scale(); !almostEqual(got, 3) {
		t.Fatalf("scale = %v, want clamped to 3", got)
	}
	z.Pinch(10)
	if got := z.Scale(); !almostEqual(got, 0.5) {
		t.Fatalf("scale = %v, want clamped to 0.5", got)
	}
	_ = z.EndPinch(context.Background())
}

func TestCommitRestoresFocalPage(t *testing.T) {
	scroller := &recordingScroller{}
	tracker := NewPositionTracker(scroller)
	tracker.Observe(10, 1.0)

	host := &fakeZoomHost{}
	z := NewZoomController(host, tracker, ZoomConfig{})

	z.BeginPinch(100, 0)
	z.Pinch(150)
	if err := z.EndPinch(context.Background()); err != nil {
		t.Fatalf("EndPinch: %v", err)
	}

	if len(scroller.calls) != 1 || scroller.calls[0] != 10 {
		t.Fatalf("scroll restore calls = %v, want [10]", scroller.calls)
	}
}

func TestDoubleTapToggles(t *testing.T) {
	host := &fakeZoomHost{}
	z := NewZoomController(host, nil, ZoomConfig{DoubleTapScale: 2})
	ctx := context.Background()

	if err := z.DoubleTap(ctx, 100); err != nil {
		t.Fatalf("DoubleTap: %v", err)
	}
	if got := z.Scale(); !almostEqual(got, 2) {
		t.Fatalf("scale after first tap = %v, want 2", got)
	}

	if err := z.DoubleTap(ctx, 100); err != nil {
		t.Fatalf("DoubleTap: %v", err)
	}
	if got := z.Scale(); !almostEqual(got, 1) {
		t.Fatalf("scale after second tap = %v, want 1", got)
	}
}

func TestWheelStepCommitsImmediately(t *testing.T) {
	host := &fakeZoomHost{}
	z := NewZoomController(host, nil, ZoomConfig{WheelStep: 1.25})
	ctx := context.Background()

	if err := z.Wheel(ctx, true, 0); err != nil {
		t.Fatalf("Wheel: %v", err)
	}
	if got := z.Scale(); !almostEqual(got, 1.25) {
		t.Fatalf("scale = %v, want 1.25", got)
	}
	if len(host.committed) != 1 {
		t.Fatalf("committed = %v, want one commit", host.committed)
	}

	if err := z.Wheel(ctx, false, 0); err != nil {
		t.Fatalf("Wheel out: %v", err)
	}
	if got := z.Scale(); !almostEqual(got, 1) {
		t.Fatalf("scale after zoom out = %v, want 1", got)
	}
}
