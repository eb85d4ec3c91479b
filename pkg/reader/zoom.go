package reader

import (
	"context"
	"sync"
)

// ZoomPhase is the gesture state.
type ZoomPhase int

const (
	ZoomIdle ZoomPhase = iota
	ZoomGesturing
	ZoomCommitting
)

// ZoomHost is the rendering surface the controller drives. PreviewTransform
// is a cheap visual transform applied continuously during a gesture;
// CommitScale is the expensive width-based re-render applied once at
// gesture end.
type ZoomHost interface {
	PreviewTransform(scale float64)
	CommitScale(ctx context.Context, scale float64) error
	ScrollOffset() float64
	SetScrollOffset(offset float64)
}

// ZoomConfig bounds and steps for the controller.
type ZoomConfig struct {
	MinScale       float64
	MaxScale       float64
	WheelStep      float64
	DoubleTapScale float64
}

func (c *ZoomConfig) applyDefaults() {
	if c.MinScale <= 0 {
		c.MinScale = 0.5
	}
	if c.MaxScale <= c.MinScale {
		c.MaxScale = 3.0
	}
	if c.WheelStep <= 1 {
		c.WheelStep = 1.1
	}
	if c.DoubleTapScale <= 1 {
		c.DoubleTapScale = 2.0
	}
}

// ZoomController turns pinch, wheel, and double-tap input into a committed
// scale factor. During a gesture the focal point under the fingers stays
// visually stationary; commit re-renders at the final scale and restores the
// focal page, since a width change invalidates prior scroll offsets.
type ZoomController struct {
	host    ZoomHost
	tracker *PositionTracker
	cfg     ZoomConfig

	mu            sync.Mutex
	phase         ZoomPhase
	scale         float64
	gestureBase   float64
	pinchOrigin   float64
	focalY        float64
	focalDocument float64
	focalPage     int
}

// NewZoomController starts at scale 1, idle.
func NewZoomController(host ZoomHost, tracker *PositionTracker, cfg ZoomConfig) *ZoomController {
	cfg.applyDefaults()
	return &ZoomController{
		host:    host,
		tracker: tracker,
		cfg:     cfg,
		scale:   1,
	}
}

// Scale returns the current (possibly uncommitted) scale.
func (z *ZoomController) Scale() float64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.scale
}

// Phase returns the gesture state.
func (z *ZoomController) Phase() ZoomPhase {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.phase
}

// BeginPinch enters Gesturing on a two-finger touch-start. distance is the
// inter-finger distance, focalY the gesture midpoint in viewport
// coordinates.
func (z *ZoomController) BeginPinch(distance, focalY float64) {
	if distance <= 0 {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.phase != ZoomIdle {
		return
	}
	z.phase = ZoomGesturing
	z.gestureBase = z.scale
	z.pinchOrigin = distance
	z.focalY = focalY
	z.focalPage = z.currentPage()
	// Document-space coordinate under the fingers, held fixed for the
	// duration of the gesture.
	z.focalDocument = (z.host.ScrollOffset() + focalY) / z.scale
}

// currentPage must be read before preview scrolling perturbs the tracker.
func (z *ZoomController) currentPage() int {
	if z.tracker == nil {
		return 0
	}
	return z.tracker.CurrentPage()
}

// Pinch updates the preview scale from the current inter-finger distance.
func (z *ZoomController) Pinch(distance float64) {
	if distance <= 0 {
		return
	}
	z.mu.Lock()
	if z.phase != ZoomGesturing {
		z.mu.Unlock()
		return
	}
	z.scale = z.clamp(z.gestureBase * (distance / z.pinchOrigin))
	scale := z.scale
	offset := z.focalDocument*scale - z.focalY
	z.mu.Unlock()

	z.host.PreviewTransform(scale)
	z.host.SetScrollOffset(offset)
}

// EndPinch leaves Gesturing and commits the final scale.
func (z *ZoomController) EndPinch(ctx context.Context) error {
	z.mu.Lock()
	if z.phase != ZoomGesturing {
		z.mu.Unlock()
		return nil
	}
	z.mu.Unlock()
	return z.commit(ctx)
}

// Wheel applies one ctrl/cmd-wheel step (in > 0 zooms in) around focalY and
// commits immediately.
func (z *ZoomController) Wheel(ctx context.Context, in bool, focalY float64) error {
	z.mu.Lock()
	if z.phase != ZoomIdle {
		z.mu.Unlock()
		return nil
	}
	factor := z.cfg.WheelStep
	if !in {
		factor = 1 / factor
	}
	z.phase = ZoomGesturing
	z.focalY = focalY
	z.focalPage = z.currentPage()
	z.focalDocument = (z.host.ScrollOffset() + focalY) / z.scale
	z.scale = z.clamp(z.scale * factor)
	scale := z.scale
	offset := z.focalDocument*scale - z.focalY
	z.mu.Unlock()

	z.host.PreviewTransform(scale)
	z.host.SetScrollOffset(offset)
	return z.commit(ctx)
}

// DoubleTap toggles between scale 1 and the configured zoomed scale around
// the tap point.
func (z *ZoomController) DoubleTap(ctx context.Context, focalY float64) error {
	z.mu.Lock()
	if z.phase != ZoomIdle {
		z.mu.Unlock()
		return nil
	}
	target := z.cfg.DoubleTapScale
	if z.scale != 1 {
		target = 1
	}
	z.phase = ZoomGesturing
	z.focalY = focalY
	z.focalPage = z.currentPage()
	z.focalDocument = (z.host.ScrollOffset() + focalY) / z.scale
	z.scale = z.clamp(target)
	scale := z.scale
	offset := z.focalDocument*scale - z.focalY
	z.mu.Unlock()

	z.host.PreviewTransform(scale)
	z.host.SetScrollOffset(offset)
	return z.commit(ctx)
}

// commit applies the scale as a width-based re-render, then restores the
// focal page with an explicit scroll.
func (z *ZoomController) commit(ctx context.Context) error {
	z.mu.Lock()
	z.phase = ZoomCommitting
	scale := z.scale
	focalPage := z.focalPage
	z.mu.Unlock()

	err := z.host.CommitScale(ctx, scale)

	z.mu.Lock()
	z.phase = ZoomIdle
	z.mu.Unlock()

	if err != nil {
		return err
	}
	if z.tracker != nil && focalPage > 0 {
		z.tracker.ScrollToPage(focalPage, false)
	}
	return nil
}

func (z *ZoomController) clamp(scale float64) float64 {
	if scale < z.cfg.MinScale {
		return z.cfg.MinScale
	}
	if scale > z.cfg.MaxScale {
		return z.cfg.MaxScale
	}
	return scale
}
