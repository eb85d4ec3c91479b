package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID         string `gorm:"primaryKey"`
	Email      string `gorm:"uniqueIndex;not null"`
	Role       string `gorm:"not null"`
	Status     string
	DeviceInfo datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time
}

type ContentModel struct {
	ID         string `gorm:"primaryKey"`
	Title      string `gorm:"not null"`
	TotalPages int    `gorm:"not null"`
	Active     bool   `gorm:"not null;index"`
	PriceCents int64  `gorm:"not null"`
	Currency   string `gorm:"not null"`
	StorageKey string
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type SegmentModel struct {
	ContentID string `gorm:"primaryKey;index"`
	Idx       int    `gorm:"primaryKey;column:idx"`
	StartPage int    `gorm:"not null"`
	EndPage   int    `gorm:"not null"`
	FilePath  string `gorm:"not null"`
}

type EntitlementModel struct {
	UserID    string    `gorm:"primaryKey"`
	ContentID string    `gorm:"primaryKey;index"`
	GrantedBy string    `gorm:"not null"`
	GrantedAt time.Time `gorm:"not null"`
}

type ProgressModel struct {
	UserID      string    `gorm:"primaryKey"`
	ContentID   string    `gorm:"primaryKey;index"`
	CurrentPage int       `gorm:"not null"`
	TotalPages  int       `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}
