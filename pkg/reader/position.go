package reader

import "sync"

// Scroller performs the host-side scroll. The tracker owns the policy of
// when to scroll; the host owns the mechanics.
type Scroller interface {
	ScrollToPage(page int, smooth bool)
}

// PositionTracker derives the canonical current page from per-page
// visibility observations reported by the host viewport.
type PositionTracker struct {
	scroller Scroller

	mu       sync.Mutex
	visible  map[int]float64
	current  int
	listener func(page int)
}

// NewPositionTracker starts at page 1.
func NewPositionTracker(scroller Scroller) *PositionTracker {
	return &PositionTracker{
		scroller: scroller,
		visible:  make(map[int]float64),
		current:  1,
	}
}

// OnPageChange registers a callback fired when the current page changes.
// At most one listener; a later registration replaces the earlier one.
func (t *PositionTracker) OnPageChange(fn func(page int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = fn
}

// Observe records the visible fraction of a page and recomputes the
// current page.
func (t *PositionTracker) Observe(page int, visibleFraction float64) {
	if page < 1 {
		return
	}
	t.mu.Lock()
	if visibleFraction <= 0 {
		delete(t.visible, page)
	} else {
		t.visible[page] = visibleFraction
	}
	changed, current, listener := t.recompute()
	t.mu.Unlock()
	if changed && listener != nil {
		listener(current)
	}
}

// Leave removes a page that scrolled fully out of the viewport. The entry
// is deleted rather than zeroed: when no pages are observed at all, the last
// known current page is retained instead of snapping back to page 1.
func (t *PositionTracker) Leave(page int) {
	t.mu.Lock()
	delete(t.visible, page)
	changed, current, listener := t.recompute()
	t.mu.Unlock()
	if changed && listener != nil {
		listener(current)
	}
}

// CurrentPage returns the page with the greatest visible fraction, the
// lowest page number winning ties.
func (t *PositionTracker) CurrentPage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// ScrollToPage delegates to the host scroller.
func (t *PositionTracker) ScrollToPage(page int, smooth bool) {
	if t.scroller != nil {
		t.scroller.ScrollToPage(page, smooth)
	}
}

// recompute must be called with the lock held.
func (t *PositionTracker) recompute() (bool, int, func(int)) {
	if len(t.visible) == 0 {
		return false, t.current, t.listener
	}
	best := 0
	bestFraction := -1.0
	for page, fraction := range t.visible {
		if fraction > bestFraction || (fraction == bestFraction && page < best) {
			best = page
			bestFraction = fraction
		}
	}
	if best == t.current {
		return false, t.current, t.listener
	}
	t.current = best
	return true, best, t.listener
}
