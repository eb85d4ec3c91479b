package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securereader/internal/util"
	"securereader/pkg/devices"
	"securereader/pkg/domain"
	"securereader/pkg/events"
	"securereader/pkg/segdir"
	"securereader/pkg/storage"
	"securereader/pkg/store"
)

const (
	// Whole-document grants ride out an entire reading session.
	defaultDocumentGrantTTL = 15 * time.Minute
	// Segment grants are fetched far more often; the exposure window per
	// minted URL stays under a minute.
	defaultSegmentGrantTTL = 45 * time.Second
)

// Config holds runtime configuration for the broker core.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Devices        *devices.Registry
	Events         events.Publisher
	RedisAddr      string
	RedisPassword  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	DocumentGrantTTL time.Duration
	SegmentGrantTTL  time.Duration
}

// App is the broker core: it verifies identity, device and entitlement, then
// mints signed grants against object storage. It persists nothing on the
// grant path.
type App struct {
	store   store.Store
	objects storage.ObjectStore
	devices *devices.Registry
	events  events.Publisher
	docTTL  time.Duration
	segTTL  time.Duration
}

// New constructs the broker application.
func New(cfg Config) (*App, error) {
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	registry := cfg.Devices
	if registry == nil {
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis addr required")
		}
		registry = devices.NewRegistry(cfg.RedisAddr, cfg.RedisPassword, "")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	docTTL := cfg.DocumentGrantTTL
	if docTTL <= 0 {
		docTTL = defaultDocumentGrantTTL
	}
	segTTL := cfg.SegmentGrantTTL
	if segTTL <= 0 {
		segTTL = defaultSegmentGrantTTL
	}
	return &App{
		store:   dataStore,
		objects: objects,
		devices: registry,
		events:  publisher,
		docTTL:  docTTL,
		segTTL:  segTTL,
	}, nil
}

// RequestGrant mints a signed URL for a whole document (segmentIndex nil) or
// one segment. Checks run in a fixed order: device, entitlement, existence.
// Identity has already been established by the HTTP layer.
func (a *App) RequestGrant(ctx context.Context, user domain.User, contentID string, segmentIndex *int, deviceID string) (domain.Grant, error) {
	if deviceID == "" {
		return domain.Grant{}, ErrDeviceIDRequired
	}
	if err := a.devices.Verify(ctx, user.ID, deviceID); err != nil {
		return domain.Grant{}, err
	}
	if err := a.checkEntitlement(user, contentID); err != nil {
		return domain.Grant{}, err
	}
	content, ok, err := a.store.GetContent(contentID)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("fetch content: %w", err)
	}
	if !ok {
		return domain.Grant{}, domain.ErrNotFound
	}

	if segmentIndex == nil {
		// Whole-document mode additionally requires the content be active.
		if !content.Active {
			return domain.Grant{}, domain.ErrNotFound
		}
		if content.StorageKey == "" {
			return domain.Grant{}, domain.ErrNotFound
		}
		expiry := time.Now().UTC().Add(a.docTTL)
		url, err := a.objects.PresignGet(ctx, content.StorageKey, a.docTTL)
		if err != nil {
			return domain.Grant{}, fmt.Errorf("%w: presign document: %v", domain.ErrTransient, err)
		}
		return domain.Grant{SignedURL: url, ExpiresAt: expiry.UnixMilli()}, nil
	}

	dir, err := a.directory(content)
	if err != nil {
		return domain.Grant{}, err
	}
	seg, ok := dir.Segment(*segmentIndex)
	if !ok {
		return domain.Grant{}, domain.ErrNotFound
	}
	expiry := time.Now().UTC().Add(a.segTTL)
	url, err := a.objects.PresignGet(ctx, seg.FilePath, a.segTTL)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("%w: presign segment %d: %v", domain.ErrTransient, seg.Index, err)
	}
	index := seg.Index
	return domain.Grant{
		SignedURL:    url,
		ExpiresAt:    expiry.UnixMilli(),
		SegmentIndex: &index,
		StartPage:    seg.StartPage,
		EndPage:      seg.EndPage,
	}, nil
}

// SegmentDirectory returns the content's validated segment list and total
// page count. An empty list signals legacy (whole-document) mode.
func (a *App) SegmentDirectory(user domain.User, contentID string) (domain.ContentItem, []domain.Segment, error) {
	if err := a.checkEntitlement(user, contentID); err != nil {
		return domain.ContentItem{}, nil, err
	}
	content, ok, err := a.store.GetContent(contentID)
	if err != nil {
		return domain.ContentItem{}, nil, fmt.Errorf("fetch content: %w", err)
	}
	if !ok {
		return domain.ContentItem{}, nil, domain.ErrNotFound
	}
	dir, err := a.directory(content)
	if err != nil {
		return domain.ContentItem{}, nil, err
	}
	return content, dir.Segments(), nil
}

// GetProgress returns the user's saved position, defaulting to page 1.
func (a *App) GetProgress(user domain.User, contentID string) (domain.ReadingProgress, error) {
	progress, ok, err := a.store.GetProgress(user.ID, contentID)
	if err != nil {
		return domain.ReadingProgress{}, fmt.Errorf("fetch progress: %w", err)
	}
	if !ok {
		return domain.ReadingProgress{
			UserID:      user.ID,
			ContentID:   contentID,
			CurrentPage: 1,
		}, nil
	}
	return progress, nil
}

// SaveProgress upserts the user's reading position.
func (a *App) SaveProgress(user domain.User, contentID string, currentPage, totalPages int) (domain.ReadingProgress, error) {
	if currentPage < 1 {
		return domain.ReadingProgress{}, ErrInvalidPage
	}
	if totalPages > 0 && currentPage > totalPages {
		return domain.ReadingProgress{}, ErrInvalidPage
	}
	progress := domain.ReadingProgress{
		UserID:      user.ID,
		ContentID:   contentID,
		CurrentPage: currentPage,
		TotalPages:  totalPages,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := a.store.UpsertProgress(progress); err != nil {
		return domain.ReadingProgress{}, fmt.Errorf("save progress: %w", err)
	}
	return progress, nil
}

// ClaimDevice negotiates the login-time device session. Without takeover a
// conflict returns the active device's info so the client can ask the user.
// With takeover the active device is superseded atomically and an event is
// published for the push-delivery system.
func (a *App) ClaimDevice(ctx context.Context, user domain.User, deviceID string, info domain.DeviceInfo, takeover bool) (domain.DeviceInfo, bool, error) {
	if deviceID == "" {
		return domain.DeviceInfo{}, false, ErrDeviceIDRequired
	}
	if takeover {
		old, err := a.devices.Replace(ctx, user.ID, deviceID, info)
		if err != nil {
			return domain.DeviceInfo{}, false, err
		}
		if err := a.store.SetUserDeviceInfo(user.ID, info); err != nil {
			return domain.DeviceInfo{}, false, fmt.Errorf("record device info: %w", err)
		}
		event := events.DeviceSuperseded{
			UserID:    user.ID,
			OldDevice: old,
			NewDevice: info,
			At:        time.Now().UTC(),
		}
		if err := a.events.PublishDeviceSuperseded(ctx, event); err != nil {
			// The takeover already happened; delivery of the courtesy
			// notification is best-effort.
			logPublishFailure(ctx, user.ID, err)
		}
		return domain.DeviceInfo{}, false, nil
	}
	current, err := a.devices.Claim(ctx, user.ID, deviceID, info)
	if errors.Is(err, devices.ErrDeviceConflict) {
		return current, true, nil
	}
	if err != nil {
		return domain.DeviceInfo{}, false, err
	}
	if err := a.store.SetUserDeviceInfo(user.ID, info); err != nil {
		return domain.DeviceInfo{}, false, fmt.Errorf("record device info: %w", err)
	}
	return domain.DeviceInfo{}, false, nil
}

// RegisterContent stores a content item and its segment directory on behalf
// of the publisher pipeline. The directory must partition the declared page
// range, and every referenced file must already exist in the bucket.
func (a *App) RegisterContent(ctx context.Context, content domain.ContentItem, segments []domain.Segment) error {
	dir, err := segdir.New(segments, content.TotalPages)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryCorrupt, err)
	}
	if dir.Legacy() {
		if content.StorageKey == "" {
			return fmt.Errorf("%w: legacy content needs a storage key", ErrDirectoryCorrupt)
		}
		ok, err := a.objects.Exists(ctx, content.StorageKey)
		if err != nil {
			return fmt.Errorf("check document object: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: document object %q missing", ErrDirectoryCorrupt, content.StorageKey)
		}
	}
	for _, seg := range dir.Segments() {
		ok, err := a.objects.Exists(ctx, seg.FilePath)
		if err != nil {
			return fmt.Errorf("check segment object: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: segment %d object %q missing", ErrDirectoryCorrupt, seg.Index, seg.FilePath)
		}
	}
	now := time.Now().UTC()
	if content.CreatedAt.IsZero() {
		content.CreatedAt = now
	}
	content.UpdatedAt = now
	if err := a.store.SaveContent(content); err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	if err := a.store.ReplaceSegments(content.ID, dir.Segments()); err != nil {
		return fmt.Errorf("save segments: %w", err)
	}
	return nil
}

func (a *App) directory(content domain.ContentItem) (*segdir.Directory, error) {
	segments, err := a.store.ListSegments(content.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch segments: %w", err)
	}
	dir, err := segdir.New(segments, content.TotalPages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryCorrupt, err)
	}
	return dir, nil
}

func logPublishFailure(ctx context.Context, userID string, err error) {
	util.LoggerFromContext(ctx).Warn("device superseded event publish failed", "user_id", userID, "err", err)
}

func (a *App) checkEntitlement(user domain.User, contentID string) error {
	if user.Role == domain.RoleAdmin {
		return nil
	}
	ok, err := a.store.HasEntitlement(user.ID, contentID)
	if err != nil {
		return fmt.Errorf("check entitlement: %w", err)
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}
