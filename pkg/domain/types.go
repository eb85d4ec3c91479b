package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

// User is the reader-facing view of an account. Authentication and profile
// management live in an external service; the broker only consumes identity.
type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      UserRole   `json:"role"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// ContentItem is a purchasable publication. It is created by the external
// publisher workflow and immutable from the reader's perspective. TotalPages
// is advisory until the document has been fully decoded.
type ContentItem struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	TotalPages int       `json:"totalPages"`
	Active     bool      `json:"active"`
	PriceCents int64     `json:"priceCents"`
	Currency   string    `json:"currency"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Segment is one contiguous page-range slice of a content item, stored as an
// independently fetchable file. Indexes are 0-based and contiguous; page
// ranges are 1-based, inclusive, disjoint and ordered. For a given content
// the segments partition [1, TotalPages] exactly; a content item with no
// segments is legacy and served as one whole file.
type Segment struct {
	ContentID string `json:"contentId"`
	Index     int    `json:"segmentIndex"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
	FilePath  string `json:"filePath"`
}

// Pages returns the number of pages covered by the segment.
func (s Segment) Pages() int { return s.EndPage - s.StartPage + 1 }

// Contains reports whether the 1-based page falls inside the segment.
func (s Segment) Contains(page int) bool { return page >= s.StartPage && page <= s.EndPage }

// Grant is a time-boxed signed URL authorizing retrieval of one stored file.
// It is never persisted beyond process memory and is void once ExpiresAt
// passes, in-flight requests included.
type Grant struct {
	SignedURL    string `json:"signedUrl"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch milliseconds
	SegmentIndex *int   `json:"segmentIndex,omitempty"`
	StartPage    int    `json:"startPage,omitempty"`
	EndPage      int    `json:"endPage,omitempty"`
}

// ExpiresTime converts the epoch-ms expiry to a time.Time.
func (g Grant) ExpiresTime() time.Time { return time.UnixMilli(g.ExpiresAt) }

// Entitlement records that a user may read a content item. Admins hold an
// implicit universal entitlement and have no rows.
type Entitlement struct {
	UserID    string    `json:"userId"`
	ContentID string    `json:"contentId"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
}

// DeviceInfo is the human-readable description of a device, shown in the
// login-time conflict dialog on the replacing device.
type DeviceInfo struct {
	Platform string `json:"platform"`
	Model    string `json:"model"`
}

// DeviceSession is the single active device recorded for a user account.
type DeviceSession struct {
	UserID    string     `json:"userId"`
	DeviceID  string     `json:"deviceId"`
	Info      DeviceInfo `json:"info"`
	ClaimedAt time.Time  `json:"claimedAt"`
}

// ReadingProgress is the persisted reading position, one row per
// (user, content), upserted and never deleted by the reader.
type ReadingProgress struct {
	UserID      string    `json:"userId"`
	ContentID   string    `json:"contentId"`
	CurrentPage int       `json:"currentPage"`
	TotalPages  int       `json:"totalPages"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
