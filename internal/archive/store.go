package archive

import (
	"context"
	"errors"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/model"

	"gorm.io/gorm"
)

// gormStore 是 Store 的 gorm 实现。
type gormStore struct {
	db *gorm.DB
}

// NewGormStore 基于 gorm 连接创建归档存储。
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *gormStore) MarkUserDeleted(ctx context.Context, email string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("email = ?", email).
		Updates(map[string]any{"deleted": true, "deleted_at": at}).Error
}

func (s *gormStore) PurgeDeletedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("deleted = ? AND deleted_at IS NOT NULL AND deleted_at < ?", true, cutoff).
		Delete(&model.User{})
	return res.RowsAffected, res.Error
}

func (s *gormStore) GetDriverProfile(ctx context.Context, email string) (*model.DriverProfile, error) {
	var profile model.DriverProfile
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *gormStore) DeleteDriverProfile(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Where("email = ?", email).Delete(&model.DriverProfile{}).Error
}

func (s *gormStore) GetCarProfile(ctx context.Context, email string) (*model.CarProfile, error) {
	var profile model.CarProfile
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *gormStore) DeleteCarProfile(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Where("email = ?", email).Delete(&model.CarProfile{}).Error
}

func (s *gormStore) InsertArchive(ctx context.Context, rec *model.ArchiveRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) FindUnexpiredArchive(ctx context.Context, email string, scopes []string, now time.Time) (*model.ArchiveRecord, error) {
	q := s.db.WithContext(ctx).
		Where("email = ? AND expires_at > ?", email, now).
		Order("deleted_at DESC")
	if len(scopes) > 0 {
		q = q.Where("scope IN ?", scopes)
	}

	var rec model.ArchiveRecord
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *gormStore) DeleteExpiredArchives(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&model.ArchiveRecord{})
	return res.RowsAffected, res.Error
}
