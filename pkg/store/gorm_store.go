package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"securereader/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent broker instances do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ContentModel{}, &SegmentModel{}, &EntitlementModel{}, &ProgressModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM segment_models s
				WHERE NOT EXISTS (SELECT 1 FROM content_models c WHERE c.id = s.content_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'segment_models'
					AND constraint_name = 'segment_models_content_id_fkey'
				) THEN
					ALTER TABLE segment_models
					ADD CONSTRAINT segment_models_content_id_fkey
					FOREIGN KEY (content_id) REFERENCES content_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure segment foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user profile.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "role", "status", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserDeviceInfo stores the active device descriptor on the profile row.
func (s *GormStore) SetUserDeviceInfo(userID string, info domain.DeviceInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}
	return s.db.Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"device_info": datatypes.JSON(raw),
			"updated_at":  time.Now().UTC(),
		}).Error
}

// SaveContent stores or updates a content item.
func (s *GormStore) SaveContent(c domain.ContentItem) error {
	model := contentToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "total_pages", "active", "price_cents", "currency", "storage_key", "updated_at"}),
	}).Create(&model).Error
}

// GetContent retrieves a content item.
func (s *GormStore) GetContent(id string) (domain.ContentItem, bool, error) {
	var model ContentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ContentItem{}, false, nil
		}
		return domain.ContentItem{}, false, err
	}
	return contentFromModel(model), true, nil
}

// ListActiveContents returns active contents ordered by created_at.
func (s *GormStore) ListActiveContents() ([]domain.ContentItem, error) {
	var models []ContentModel
	if err := s.db.Where("active = ?", true).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ContentItem, 0, len(models))
	for _, m := range models {
		res = append(res, contentFromModel(m))
	}
	return res, nil
}

// ReplaceSegments swaps the full segment directory of a content item.
func (s *GormStore) ReplaceSegments(contentID string, segments []domain.Segment) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SegmentModel{}, "content_id = ?", contentID).Error; err != nil {
			return err
		}
		if len(segments) == 0 {
			return nil
		}
		models := make([]SegmentModel, 0, len(segments))
		for _, seg := range segments {
			model := segmentToModel(seg)
			model.ContentID = contentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListSegments returns a content's segments ordered by index.
func (s *GormStore) ListSegments(contentID string) ([]domain.Segment, error) {
	var models []SegmentModel
	if err := s.db.Where("content_id = ?", contentID).Order("idx ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Segment, 0, len(models))
	for _, m := range models {
		res = append(res, segmentFromModel(m))
	}
	return res, nil
}

// SaveEntitlement records an access grant row; re-granting is a no-op.
func (s *GormStore) SaveEntitlement(e domain.Entitlement) error {
	model := entitlementToModel(e)
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// HasEntitlement checks whether the user may read the content.
func (s *GormStore) HasEntitlement(userID, contentID string) (bool, error) {
	var count int64
	if err := s.db.Model(&EntitlementModel{}).
		Where("user_id = ? AND content_id = ?", userID, contentID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertProgress creates or advances the (user, content) progress row.
func (s *GormStore) UpsertProgress(p domain.ReadingProgress) error {
	model := progressToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_page", "total_pages", "updated_at"}),
	}).Create(&model).Error
}

// GetProgress returns the single progress row or none.
func (s *GormStore) GetProgress(userID, contentID string) (domain.ReadingProgress, bool, error) {
	var model ProgressModel
	if err := s.db.First(&model, "user_id = ? AND content_id = ?", userID, contentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ReadingProgress{}, false, nil
		}
		return domain.ReadingProgress{}, false, err
	}
	return progressFromModel(model), true, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		Role:      domain.UserRole(m.Role),
		Status:    status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func contentToModel(c domain.ContentItem) ContentModel {
	return ContentModel{
		ID:         c.ID,
		Title:      c.Title,
		TotalPages: c.TotalPages,
		Active:     c.Active,
		PriceCents: c.PriceCents,
		Currency:   c.Currency,
		StorageKey: c.StorageKey,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func contentFromModel(m ContentModel) domain.ContentItem {
	return domain.ContentItem{
		ID:         m.ID,
		Title:      m.Title,
		TotalPages: m.TotalPages,
		Active:     m.Active,
		PriceCents: m.PriceCents,
		Currency:   m.Currency,
		StorageKey: m.StorageKey,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func segmentToModel(s domain.Segment) SegmentModel {
	return SegmentModel{
		ContentID: s.ContentID,
		Idx:       s.Index,
		StartPage: s.StartPage,
		EndPage:   s.EndPage,
		FilePath:  s.FilePath,
	}
}

func segmentFromModel(m SegmentModel) domain.Segment {
	return domain.Segment{
		ContentID: m.ContentID,
		Index:     m.Idx,
		StartPage: m.StartPage,
		EndPage:   m.EndPage,
		FilePath:  m.FilePath,
	}
}

func entitlementToModel(e domain.Entitlement) EntitlementModel {
	return EntitlementModel{
		UserID:    e.UserID,
		ContentID: e.ContentID,
		GrantedBy: e.GrantedBy,
		GrantedAt: e.GrantedAt,
	}
}

func progressToModel(p domain.ReadingProgress) ProgressModel {
	return ProgressModel{
		UserID:      p.UserID,
		ContentID:   p.ContentID,
		CurrentPage: p.CurrentPage,
		TotalPages:  p.TotalPages,
		UpdatedAt:   p.UpdatedAt,
	}
}

func progressFromModel(m ProgressModel) domain.ReadingProgress {
	return domain.ReadingProgress{
		UserID:      m.UserID,
		ContentID:   m.ContentID,
		CurrentPage: m.CurrentPage,
		TotalPages:  m.TotalPages,
		UpdatedAt:   m.UpdatedAt,
	}
}
