package reader

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"securereader/pkg/domain"
	"securereader/pkg/segdir"
)

// PageState is what the host should draw for a page slot.
type PageState int

const (
	// PageLoading shows a per-page placeholder; the rest of the viewport
	// stays interactive.
	PageLoading PageState = iota
	// PageRendered has a bitmap in the render cache.
	PageRendered
	// PageNotFound marks a page no segment covers. It renders a visible
	// placeholder and never blanks the scroll region.
	PageNotFound
)

// Decoder turns one page of a fetched document into a bitmap. url identifies
// the document (whole file or one segment); localPage is 1-based within it.
type Decoder interface {
	DecodePage(ctx context.Context, url string, localPage int, width float64) (Bitmap, error)
}

// ViewportConfig sizes the virtualized window.
type ViewportConfig struct {
	NumPages    int
	PageWidth   float64
	AspectRatio float64 // page height = width * aspect
	Gap         float64 // inter-page spacing
	Overscan    int     // pages rendered beyond the visible range on each side
}

func (c *ViewportConfig) applyDefaults() {
	if c.PageWidth <= 0 {
		c.PageWidth = 800
	}
	if c.AspectRatio <= 0 {
		c.AspectRatio = math.Sqrt2 // A-series paper
	}
	if c.Gap < 0 {
		c.Gap = 0
	}
	if c.Overscan < 0 {
		c.Overscan = 0
	}
}

// Viewport renders only the pages near the scroll position. Layout uses
// estimated page heights (width x aspect + gap) rather than measured ones;
// a decoded page may differ slightly without shifting its neighbors.
//
// In segmented mode each page resolves through the directory to its
// segment's signed URL; in legacy mode every page shares one whole-document
// grant. Viewport implements ZoomHost and Scroller so the zoom controller
// and position tracker plug in directly.
type Viewport struct {
	cfg       ViewportConfig
	contentID string
	directory *segdir.Directory
	broker    Broker
	urls      *URLCache
	decoder   Decoder
	cache     *RenderCache
	tracker   *PositionTracker
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	scale        float64
	previewScale float64
	scrollOffset float64
	viewHeight   float64
	states       map[int]PageState
	docGrant     cachedGrant
	prevFirst    int
	prevLast     int
}

// NewViewport wires the rendering pipeline for one open content item.
func NewViewport(cfg ViewportConfig, contentID string, directory *segdir.Directory, broker Broker, urls *URLCache, decoder Decoder, cache *RenderCache, tracker *PositionTracker, logger *slog.Logger) *Viewport {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Viewport{
		cfg:          cfg,
		contentID:    contentID,
		directory:    directory,
		broker:       broker,
		urls:         urls,
		decoder:      decoder,
		cache:        cache,
		tracker:      tracker,
		logger:       logger,
		now:          time.Now,
		scale:        1,
		previewScale: 1,
		states:       make(map[int]PageState),
	}
}

// pageHeight is the estimated laid-out height of one page slot.
func (v *Viewport) pageHeight() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pageHeightLocked()
}

func (v *Viewport) pageHeightLocked() float64 {
	return v.cfg.PageWidth*v.scale*v.cfg.AspectRatio + v.cfg.Gap
}

// TotalHeight is the scrollable extent.
func (v *Viewport) TotalHeight() float64 {
	return v.pageHeight() * float64(v.cfg.NumPages)
}

// SetViewportHeight records the visible height of the scroll region.
func (v *Viewport) SetViewportHeight(h float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h > 0 {
		v.viewHeight = h
	}
}

// Window returns the inclusive page range to render for the current scroll
// position, overscan included.
func (v *Viewport) Window() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.windowLocked()
}

func (v *Viewport) windowLocked() (int, int) {
	if v.cfg.NumPages < 1 {
		return 0, -1
	}
	height := v.pageHeightLocked()
	first := int(v.scrollOffset/height) + 1
	last := int((v.scrollOffset+v.viewHeight)/height) + 1
	first -= v.cfg.Overscan
	last += v.cfg.Overscan
	if first < 1 {
		first = 1
	}
	if last > v.cfg.NumPages {
		last = v.cfg.NumPages
	}
	return first, last
}

// SetScroll moves the viewport and feeds visibility fractions to the
// position tracker.
func (v *Viewport) SetScroll(offset float64) {
	v.mu.Lock()
	if offset < 0 {
		offset = 0
	}
	v.scrollOffset = offset
	height := v.pageHeightLocked()
	viewTop := offset
	viewBottom := offset + v.viewHeight
	first, last := v.windowLocked()
	prevFirst, prevLast := v.prevFirst, v.prevLast
	v.prevFirst, v.prevLast = first, last
	tracker := v.tracker
	v.mu.Unlock()

	if tracker == nil {
		return
	}
	// Pages that dropped out of the window entirely must leave the
	// visibility map, or a stale fraction would pin the current page.
	for page := prevFirst; page <= prevLast && page > 0; page++ {
		if page < first || page > last {
			tracker.Leave(page)
		}
	}
	for page := first; page <= last; page++ {
		top := float64(page-1) * height
		bottom := top + height
		overlap := math.Min(bottom, viewBottom) - math.Max(top, viewTop)
		if overlap <= 0 {
			tracker.Leave(page)
			continue
		}
		tracker.Observe(page, overlap/height)
	}
}

// ScrollToPage implements Scroller: jump so the page's top is at the top of
// the viewport.
func (v *Viewport) ScrollToPage(page int, _ bool) {
	if page < 1 {
		page = 1
	}
	if page > v.cfg.NumPages {
		page = v.cfg.NumPages
	}
	v.SetScroll(v.pageHeight() * float64(page-1))
}

// ScrollOffset implements ZoomHost.
func (v *Viewport) ScrollOffset() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrollOffset
}

// SetScrollOffset implements ZoomHost.
func (v *Viewport) SetScrollOffset(offset float64) {
	v.SetScroll(offset)
}

// Scale returns the committed render scale.
func (v *Viewport) Scale() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scale
}

// PreviewTransform implements ZoomHost. The preview scale affects drawing
// only; layout and decode stay at the committed scale until CommitScale.
func (v *Viewport) PreviewTransform(scale float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.previewScale = scale
}

// CommitScale implements ZoomHost: adopt the scale, drop bitmaps rendered at
// the old width, and re-render the window.
func (v *Viewport) CommitScale(ctx context.Context, scale float64) error {
	v.mu.Lock()
	v.scale = scale
	v.previewScale = scale
	v.mu.Unlock()
	if v.cache != nil {
		v.cache.Clear()
	}
	_, err := v.Render(ctx)
	return err
}

// PageStates returns the last computed state per windowed page.
func (v *Viewport) PageStates() map[int]PageState {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[int]PageState, len(v.states))
	for page, state := range v.states {
		out[page] = state
	}
	return out
}

// Render decodes every page in the current window. Page-level failures are
// isolated to their slot; only a failure to obtain the legacy document
// grant is document-level and returned.
func (v *Viewport) Render(ctx context.Context) (map[int]PageState, error) {
	first, last := v.Window()
	states := make(map[int]PageState)
	var docErr error

	for page := first; page <= last; page++ {
		state, err := v.renderPage(ctx, page)
		states[page] = state
		if err != nil {
			// A device mismatch or a failed legacy document grant is
			// session-level, not page-level.
			if domain.Fatal(err) || (v.directory != nil && v.directory.Legacy()) {
				docErr = err
			}
		}
	}

	v.mu.Lock()
	v.states = states
	v.mu.Unlock()

	if v.urls != nil {
		if seg, ok := v.segmentFor(v.currentPage()); ok {
			v.urls.RefreshSoon(ctx, seg.Index)
		}
	}
	return states, docErr
}

func (v *Viewport) renderPage(ctx context.Context, page int) (PageState, error) {
	if v.cache != nil && v.cache.Get(page) != nil {
		return PageRendered, nil
	}

	var url string
	var localPage int
	if v.directory != nil && !v.directory.Legacy() {
		seg, ok := v.directory.SegmentForPage(page)
		if !ok {
			return PageNotFound, nil
		}
		u, err := v.urls.EnsureURL(ctx, seg.Index)
		if err != nil {
			if domain.Fatal(err) {
				return PageLoading, err
			}
			v.logger.Warn("segment grant unavailable",
				"content_id", v.contentID, "page", page, "segment_index", seg.Index, "err", err)
			return PageLoading, nil
		}
		url = u
		localPage = page - seg.StartPage + 1
	} else {
		u, err := v.documentURL(ctx)
		if err != nil {
			return PageLoading, err
		}
		url = u
		localPage = page
	}

	v.mu.Lock()
	width := v.cfg.PageWidth * v.scale
	v.mu.Unlock()
	bitmap, err := v.decoder.DecodePage(ctx, url, localPage, width)
	if err != nil {
		v.logger.Warn("page decode failed", "content_id", v.contentID, "page", page, "err", err)
		return PageLoading, nil
	}
	if v.cache != nil {
		v.cache.Put(page, bitmap)
	}
	return PageRendered, nil
}

// Prefetch warms segment grants concurrently, typically on open for the
// segment containing the resume page.
func (v *Viewport) Prefetch(ctx context.Context, segmentIndexes ...int) error {
	if v.urls == nil {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, index := range segmentIndexes {
		g.Go(func() error {
			_, err := v.urls.EnsureURL(ctx, index)
			return err
		})
	}
	return g.Wait()
}

// documentURL returns the shared whole-document grant, minting a fresh one
// when the held grant is near expiry.
func (v *Viewport) documentURL(ctx context.Context) (string, error) {
	v.mu.Lock()
	grant := v.docGrant
	v.mu.Unlock()
	if grant.url != "" && grant.expiresAt.Sub(v.now()) > DefaultRefreshThreshold {
		return grant.url, nil
	}
	minted, err := v.broker.RequestGrant(ctx, v.contentID, nil)
	if err != nil {
		return "", fmt.Errorf("document grant: %w", err)
	}
	v.mu.Lock()
	v.docGrant = cachedGrant{url: minted.SignedURL, expiresAt: minted.ExpiresTime()}
	v.mu.Unlock()
	return minted.SignedURL, nil
}

func (v *Viewport) currentPage() int {
	if v.tracker != nil {
		return v.tracker.CurrentPage()
	}
	first, _ := v.Window()
	return first
}

func (v *Viewport) segmentFor(page int) (domain.Segment, bool) {
	if v.directory == nil || v.directory.Legacy() {
		return domain.Segment{}, false
	}
	return v.directory.SegmentForPage(page)
}

// Close invalidates caches for a content switch or teardown. Grant and
// bitmap state must not survive into the next session.
func (v *Viewport) Close() {
	if v.urls != nil {
		v.urls.Invalidate()
	}
	if v.cache != nil {
		v.cache.Clear()
	}
	v.mu.Lock()
	v.docGrant = cachedGrant{}
	v.states = make(map[int]PageState)
	v.mu.Unlock()
}
