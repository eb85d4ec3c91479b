package reader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"securereader/pkg/domain"
)

// DefaultRefreshThreshold is how close to expiry a cached grant may get
// before it is no longer reused.
const DefaultRefreshThreshold = 10 * time.Second

// URLCache holds one signed URL per segment for a single reading session.
// URL identity is stable while a grant is fresh: the renderer keys its
// per-segment document contexts on the URL string, so swapping URLs for an
// unchanged segment would force a full re-download of every page on screen.
type URLCache struct {
	broker    Broker
	contentID string
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[int]cachedGrant

	group singleflight.Group

	refreshMu sync.Mutex
	refreshes map[int]struct{}
}

type cachedGrant struct {
	url       string
	expiresAt time.Time
}

// URLCacheOption customizes cache construction.
type URLCacheOption func(*URLCache)

// WithRefreshThreshold overrides the reuse cutoff before expiry.
func WithRefreshThreshold(d time.Duration) URLCacheOption {
	return func(c *URLCache) {
		if d > 0 {
			c.threshold = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) URLCacheOption {
	return func(c *URLCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewURLCache builds the per-session grant cache for one content item.
func NewURLCache(broker Broker, contentID string, logger *slog.Logger, options ...URLCacheOption) *URLCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &URLCache{
		broker:    broker,
		contentID: contentID,
		threshold: DefaultRefreshThreshold,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[int]cachedGrant),
		refreshes: make(map[int]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StableURL returns the cached URL for the segment without blocking, or ""
// when no fresh grant is held.
func (c *URLCache) StableURL(segmentIndex int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[segmentIndex]
	if !ok || !c.fresh(entry) {
		return ""
	}
	return entry.url
}

// EnsureURL returns a fresh signed URL for the segment, fetching one from
// the broker only when the cached grant is missing or inside the refresh
// threshold. At most one fetch per segment index is in flight; concurrent
// callers share its result.
func (c *URLCache) EnsureURL(ctx context.Context, segmentIndex int) (string, error) {
	if url := c.StableURL(segmentIndex); url != "" {
		return url, nil
	}
	key := fmt.Sprintf("%d", segmentIndex)
	result, err, _ := c.group.Do(key, func() (any, error) {
		// A winner may have repopulated the entry while we queued.
		if url := c.StableURL(segmentIndex); url != "" {
			return url, nil
		}
		return c.fetch(ctx, segmentIndex)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// RefreshSoon refreshes the segment's grant in the background once it is
// inside the threshold. Failures are logged and swallowed; the reader keeps
// using the existing grant until it actually expires.
func (c *URLCache) RefreshSoon(ctx context.Context, segmentIndex int) {
	c.mu.Lock()
	entry, ok := c.entries[segmentIndex]
	needs := !ok || !c.fresh(entry)
	c.mu.Unlock()
	if !needs {
		return
	}

	c.refreshMu.Lock()
	if _, running := c.refreshes[segmentIndex]; running {
		c.refreshMu.Unlock()
		return
	}
	c.refreshes[segmentIndex] = struct{}{}
	c.refreshMu.Unlock()

	go func() {
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshes, segmentIndex)
			c.refreshMu.Unlock()
		}()
		if _, err := c.EnsureURL(ctx, segmentIndex); err != nil {
			if domain.Fatal(err) {
				// Surfacing a mismatch is the guard's job; it will see the
				// error on the next foreground call.
				return
			}
			c.logger.Warn("background grant refresh failed",
				"content_id", c.contentID, "segment_index", segmentIndex, "err", err)
		}
	}()
}

// Invalidate drops every cached grant. Called on content switch.
func (c *URLCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]cachedGrant)
}

func (c *URLCache) fetch(ctx context.Context, segmentIndex int) (string, error) {
	index := segmentIndex
	grant, err := c.broker.RequestGrant(ctx, c.contentID, &index)
	if err != nil {
		// Evict rather than leave a stale entry so the next access
		// retries cleanly.
		c.mu.Lock()
		delete(c.entries, segmentIndex)
		c.mu.Unlock()
		return "", err
	}
	c.mu.Lock()
	c.entries[segmentIndex] = cachedGrant{url: grant.SignedURL, expiresAt: grant.ExpiresTime()}
	c.mu.Unlock()
	return grant.SignedURL, nil
}

func (c *URLCache) fresh(entry cachedGrant) bool {
	return entry.expiresAt.Sub(c.now()) > c.threshold
}
