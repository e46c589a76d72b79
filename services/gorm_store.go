package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cse_feed_backend/models"
)

// GormStore keeps snapshots in a relational table through gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the snapshot table and wraps db
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := models.MigrateSnapshotModels(db); err != nil {
		return nil, fmt.Errorf("migrate snapshot table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ListKeys(ctx context.Context, parent string) ([]string, error) {
	var keys []string
	q := s.db.WithContext(ctx).Model(&models.SnapshotEntry{})
	var err error
	if parent == "" {
		err = q.Distinct("date").Order("date ASC").Pluck("date", &keys).Error
	} else {
		err = q.Where("date = ?", parent).Order("timestamp ASC").Pluck("timestamp", &keys).Error
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", ErrStoreUnavailable, err)
	}
	return keys, nil
}

func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.SnapshotEntry{})
	if fk, ok := models.ParseFetchKey(key); ok {
		q = q.Where("date = ? AND timestamp = ?", fk.Date, fk.Timestamp)
	} else {
		q = q.Where("date = ?", key)
	}
	var count int64
	if err := q.Limit(1).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: check %s: %v", ErrStoreUnavailable, key, err)
	}
	return count > 0, nil
}

func (s *GormStore) Get(ctx context.Context, date string) ([]models.SnapshotEntry, error) {
	var entries []models.SnapshotEntry
	err := s.db.WithContext(ctx).
		Where("date = ?", date).
		Order("timestamp ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load snapshots for %s: %v", ErrStoreUnavailable, date, err)
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (s *GormStore) Put(ctx context.Context, key models.FetchKey, snapshot models.Snapshot) error {
	if err := validateFetchKey(key); err != nil {
		return err
	}
	entry := models.NewSnapshotEntry(key, snapshot)
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key.Path())
		}
		return fmt.Errorf("save snapshot %s: %w", key.Path(), err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
