// Package store provides the durable on-disk queue and settings tables.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseFile is the SQLite file created inside the data directory.
const DatabaseFile = "posthog.db"

// Reserved settings keys.
const (
	KeyDistinctID   = "distinct_id"
	KeySessionID    = "session_id"
	KeyFeatureFlags = "feature_flags"
	KeyOptOut       = "opt_out"
)

// QueuedEvent is a durable queue row: the serialised event plus an insertion
// timestamp used solely for FIFO ordering.
type QueuedEvent struct {
	ID        string `gorm:"primaryKey"`
	EventJSON string `gorm:"not null"`
	CreatedAt int64  `gorm:"not null;index"`
}

// TableName keeps the table compatible with the databases written by the
// other platform SDKs.
func (QueuedEvent) TableName() string { return "events" }

// Setting is a single persisted key/value entry.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (Setting) TableName() string { return "settings" }

// SuperProperty is a key with a JSON-encoded value merged into every event.
type SuperProperty struct {
	Key       string `gorm:"primaryKey"`
	ValueJSON string `gorm:"not null"`
}

func (SuperProperty) TableName() string { return "super_properties" }

// UserProperty mirrors the table shipped by the other SDKs. The table is
// migrated and kept readable but nothing populates it yet.
type UserProperty struct {
	Key       string `gorm:"primaryKey"`
	ValueJSON string `gorm:"not null"`
}

func (UserProperty) TableName() string { return "user_properties" }

// Store owns the database handle. Every operation serialises on an exclusive
// mutex for the duration of the call, which is adequate at flush cadence.
type Store struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the data directory if missing, opens or creates the database
// file inside it and migrates the four tables.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, DatabaseFile)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database %s: %w", path, err)
	}

	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 5000")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&QueuedEvent{},
			&Setting{},
			&SuperProperty{},
			&UserProperty{},
		)
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to migrate database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnqueueEvent appends an event to the durable queue under a fresh UUID.
func (s *Store) EnqueueEvent(eventJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	// Nanosecond resolution keeps FIFO deterministic for rapid inserts; the
	// id breaks the (now practically impossible) tie.
	row := QueuedEvent{
		ID:        uuid.NewString(),
		EventJSON: eventJSON,
		CreatedAt: time.Now().UnixNano(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("Failed to enqueue event", slog.Any("error", err))
		return err
	}
	return nil
}

// QueuedEvents returns up to limit rows, oldest first. Rows stay in place
// until RemoveEvents confirms delivery.
func (s *Store) QueuedEvents(limit int) ([]QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var rows []QueuedEvent
	err := s.db.Order("created_at ASC, id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		s.logger.Error("Failed to read queued events", slog.Any("error", err))
		return nil, err
	}
	return rows, nil
}

// RemoveEvents deletes the rows with the given ids in a single statement.
func (s *Store) RemoveEvents(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	if err := s.db.Where("id IN ?", ids).Delete(&QueuedEvent{}).Error; err != nil {
		s.logger.Error("Failed to remove events", slog.Any("error", err))
		return err
	}
	return nil
}

// QueueSize returns the exact number of queued events.
func (s *Store) QueueSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	var count int64
	if err := s.db.Model(&QueuedEvent{}).Count(&count).Error; err != nil {
		s.logger.Error("Failed to count queued events", slog.Any("error", err))
		return 0, err
	}
	return int(count), nil
}

// TrimQueue drops the oldest rows so that at most max remain. Returns the
// number of rows dropped.
func (s *Store) TrimQueue(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	var count int64
	if err := s.db.Model(&QueuedEvent{}).Count(&count).Error; err != nil {
		return 0, err
	}
	excess := int(count) - max
	if excess <= 0 {
		return 0, nil
	}
	res := s.db.Exec(
		"DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY created_at ASC, id ASC LIMIT ?)",
		excess,
	)
	if res.Error != nil {
		s.logger.Error("Failed to trim queue", slog.Any("error", res.Error))
		return 0, res.Error
	}
	s.logger.Warn("Queue over capacity, dropped oldest events", slog.Int("dropped", excess))
	return excess, nil
}

func (s *Store) getSetting(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", gorm.ErrInvalidDB
	}
	var setting Setting
	err := s.db.Where("key = ?", key).First(&setting).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) setSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
	if err != nil {
		s.logger.Error("Failed to upsert setting", slog.String("key", key), slog.Any("error", err))
	}
	return err
}

// DistinctID returns the persisted distinct id, or "" when unset.
func (s *Store) DistinctID() (string, error) { return s.getSetting(KeyDistinctID) }

// SetDistinctID persists the distinct id.
func (s *Store) SetDistinctID(id string) error { return s.setSetting(KeyDistinctID, id) }

// SessionID returns the persisted session id, or "" when unset.
func (s *Store) SessionID() (string, error) { return s.getSetting(KeySessionID) }

// SetSessionID persists the session id.
func (s *Store) SetSessionID(id string) error { return s.setSetting(KeySessionID, id) }

// FeatureFlags returns the raw decide response blob from the last refresh.
func (s *Store) FeatureFlags() (string, error) {
	v, err := s.getSetting(KeyFeatureFlags)
	if err != nil || v == "" {
		return "{}", err
	}
	return v, nil
}

// SetFeatureFlags persists the raw decide response blob.
func (s *Store) SetFeatureFlags(blob string) error { return s.setSetting(KeyFeatureFlags, blob) }

// OptOut reports the persisted opt-out flag.
func (s *Store) OptOut() (bool, error) {
	v, err := s.getSetting(KeyOptOut)
	return v == "1", err
}

// SetOptOut persists the opt-out flag as "0"/"1".
func (s *Store) SetOptOut(optOut bool) error {
	v := "0"
	if optOut {
		v = "1"
	}
	return s.setSetting(KeyOptOut, v)
}

// SetSuperProperty upserts a super-property with a JSON-encoded value.
func (s *Store) SetSuperProperty(key, valueJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json"}),
	}).Create(&SuperProperty{Key: key, ValueJSON: valueJSON}).Error
	if err != nil {
		s.logger.Error("Failed to upsert super property", slog.String("key", key), slog.Any("error", err))
	}
	return err
}

// RemoveSuperProperty deletes a super-property by key.
func (s *Store) RemoveSuperProperty(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.Where("key = ?", key).Delete(&SuperProperty{}).Error
}

// ClearSuperProperties removes every super-property.
func (s *Store) ClearSuperProperties() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.Where("1 = 1").Delete(&SuperProperty{}).Error
}

// SuperProperties returns all super-properties as key to JSON-encoded value.
func (s *Store) SuperProperties() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var rows []SuperProperty
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	props := make(map[string]string, len(rows))
	for _, row := range rows {
		props[row.Key] = row.ValueJSON
	}
	return props, nil
}
