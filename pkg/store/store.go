package store

import (
	"securereader/pkg/domain"
)

// Store defines persistence operations for users, contents, segments,
// entitlements and reading progress.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	// SetUserDeviceInfo mirrors the active device descriptor onto the
	// profile row so the conflict dialog can name the other device.
	SetUserDeviceInfo(userID string, info domain.DeviceInfo) error

	// contents
	SaveContent(domain.ContentItem) error
	GetContent(id string) (domain.ContentItem, bool, error)
	ListActiveContents() ([]domain.ContentItem, error)

	// segments
	ReplaceSegments(contentID string, segments []domain.Segment) error
	ListSegments(contentID string) ([]domain.Segment, error)

	// entitlements
	SaveEntitlement(domain.Entitlement) error
	HasEntitlement(userID, contentID string) (bool, error)

	// reading progress: upsert keyed on (user, content), never deleted.
	UpsertProgress(domain.ReadingProgress) error
	GetProgress(userID, contentID string) (domain.ReadingProgress, bool, error)
}
