// Package historystore is a derived, non-authoritative mirror of
// completed heating sessions and characteristics snapshots, for
// historical trend queries (EXPANSION to the base spec). It is always
// rebuildable from the JSONL logs and heating-characteristics
// singleton; nothing in the controller depends on it being present.
// Grounded on schedulerWeatherRepository.go's gorm query idiom, with
// the teacher's mysql driver substituted for sqlite since a
// residential single-tub controller has no database server to reach.
package historystore

import (
	"context"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionRecord mirrors one completed heating session.
type SessionRecord struct {
	ID                   uint      `gorm:"primaryKey"`
	StartedAt            time.Time `gorm:"index"`
	EndedAt              time.Time
	StartTempF           float64
	EndTempF             float64
	HeatingVelocityFPerMin float64
	CreatedAt            time.Time
}

// CharacteristicsSnapshot mirrors one generation of C9's output.
type CharacteristicsSnapshot struct {
	ID                     uint      `gorm:"primaryKey"`
	GeneratedAt            time.Time `gorm:"index"`
	HeatingVelocityFPerMin *float64
	StartupLagMinutes      *float64
	OvershootDegreesF      *float64
	CoolingCoefficientK    *float64
	CoolingRSquared        *float64
	SessionsAnalyzed       int
	CreatedAt              time.Time
}

// Store wraps a gorm.DB connection to a local sqlite file.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite file at path and
// auto-migrates the mirror schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRecord{}, &CharacteristicsSnapshot{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// RecordSession inserts a completed heating session. Callers treat
// failures as non-fatal — this store is a convenience mirror, not the
// source of truth.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	return s.db.WithContext(ctx).Create(&rec).Error
}

// RecordCharacteristicsSnapshot inserts one C9 generation.
func (s *Store) RecordCharacteristicsSnapshot(ctx context.Context, snap CharacteristicsSnapshot) error {
	return s.db.WithContext(ctx).Create(&snap).Error
}

// RecentSessions returns the most recent limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	result := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records)
	return records, result.Error
}

// SessionsSince returns every session that started at or after since.
func (s *Store) SessionsSince(ctx context.Context, since time.Time) ([]SessionRecord, error) {
	var records []SessionRecord
	result := s.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Order("started_at ASC").
		Find(&records)
	return records, result.Error
}

// LatestCharacteristicsSnapshot returns the most recently recorded
// snapshot, if any.
func (s *Store) LatestCharacteristicsSnapshot(ctx context.Context) (*CharacteristicsSnapshot, error) {
	var snap CharacteristicsSnapshot
	result := s.db.WithContext(ctx).Order("generated_at DESC").First(&snap)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &snap, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
