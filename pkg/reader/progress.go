package reader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDebounce coalesces rapid page changes into one write.
const DefaultSaveDebounce = 2 * time.Second

// ProgressTracker persists the reading position. Saves are debounced and
// monotonic: a write that does not advance the last successfully saved page
// is skipped, so a delayed stale save can never overwrite a later one.
type ProgressTracker struct {
	broker     Broker
	contentID  string
	totalPages int
	debounce   time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	timer     *time.Timer
	pending   int
	lastSaved int
	closed    bool
}

// ProgressOption customizes tracker construction.
type ProgressOption func(*ProgressTracker)

// WithSaveDebounce overrides the quiet period before a save fires.
func WithSaveDebounce(d time.Duration) ProgressOption {
	return func(t *ProgressTracker) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// NewProgressTracker builds the tracker for one open content item.
func NewProgressTracker(broker Broker, contentID string, totalPages int, logger *slog.Logger, options ...ProgressOption) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ProgressTracker{
		broker:     broker,
		contentID:  contentID,
		totalPages: totalPages,
		debounce:   DefaultSaveDebounce,
		logger:     logger,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// InitialPage returns the persisted page (1 when none) and whether a resume
// prompt should be surfaced. Declining resume does not alter the persisted
// row; it changes only where the viewport opens.
func (t *ProgressTracker) InitialPage(ctx context.Context) (int, bool, error) {
	progress, err := t.broker.GetProgress(ctx, t.contentID)
	if err != nil {
		return 1, false, err
	}
	page := progress.CurrentPage
	if page < 1 {
		page = 1
	}
	t.mu.Lock()
	t.lastSaved = page
	t.mu.Unlock()
	return page, page > 1, nil
}

// Save schedules a debounced write of the page. Rapid successive calls
// coalesce; only the latest page is written when the quiet period elapses.
func (t *ProgressTracker) Save(page int) {
	if page < 1 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = page
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.debounce, t.fireDebounced)
}

func (t *ProgressTracker) fireDebounced() {
	t.mu.Lock()
	page := t.pending
	t.pending = 0
	t.timer = nil
	closed := t.closed
	t.mu.Unlock()
	if closed || page == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.write(ctx, page); err != nil {
		t.logger.Warn("progress save failed", "content_id", t.contentID, "page", page, "err", err)
	}
}

// Flush cancels any pending debounce and writes the latest page
// synchronously. Called on navigation away and unmount.
func (t *ProgressTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	page := t.pending
	t.pending = 0
	t.mu.Unlock()
	if page == 0 {
		return nil
	}
	return t.write(ctx, page)
}

// Close flushes and stops the tracker.
func (t *ProgressTracker) Close(ctx context.Context) error {
	err := t.Flush(ctx)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return err
}

// LastSaved reports the most recent page known to be persisted.
func (t *ProgressTracker) LastSaved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSaved
}

func (t *ProgressTracker) write(ctx context.Context, page int) error {
	t.mu.Lock()
	if page <= t.lastSaved {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.broker.SaveProgress(ctx, t.contentID, page, t.totalPages); err != nil {
		return err
	}
	t.mu.Lock()
	if page > t.lastSaved {
		t.lastSaved = page
	}
	t.mu.Unlock()
	return nil
}
