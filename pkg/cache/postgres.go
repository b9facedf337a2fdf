package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// entryModel is the gorm mapping for the durable tier.
type entryModel struct {
	Key            string `gorm:"primaryKey;size:512"`
	Data           []byte
	Confidence     float64
	SourceProvider string
	WrittenAt      time.Time
	TTLSeconds     int
	ExpiresAt      time.Time `gorm:"index"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (entryModel) TableName() string { return "cache_entries" }

func (m *entryModel) toEntry() *Entry {
	return &Entry{
		Key:            m.Key,
		Data:           m.Data,
		Confidence:     m.Confidence,
		SourceProvider: m.SourceProvider,
		WrittenAt:      m.WrittenAt,
		TTLSeconds:     m.TTLSeconds,
	}
}

func toModel(key string, e *Entry) entryModel {
	return entryModel{
		Key:            key,
		Data:           e.Data,
		Confidence:     e.Confidence,
		SourceProvider: e.SourceProvider,
		WrittenAt:      e.WrittenAt,
		TTLSeconds:     e.TTLSeconds,
		ExpiresAt:      e.ExpiresAt(),
	}
}

// PostgresTier is the durable L2 tier backed by PostgreSQL through gorm.
// It retains entries past their TTL for historical reads until purged.
type PostgresTier struct {
	db *gorm.DB
}

// NewPostgresTier creates the L2 tier over an existing gorm connection.
func NewPostgresTier(db *gorm.DB) *PostgresTier {
	if db == nil {
		panic("gorm db cannot be nil")
	}
	return &PostgresTier{db: db}
}

// Migrate creates or updates the backing table. Called once at startup.
func (t *PostgresTier) Migrate() error {
	return t.db.AutoMigrate(&entryModel{})
}

// Name identifies the tier in logs and metrics.
func (t *PostgresTier) Name() string { return "l2" }

// Get retrieves an entry. Returns ErrCacheMiss when the key is absent.
func (t *PostgresTier) Get(ctx context.Context, key string) (*Entry, error) {
	var m entryModel
	err := t.db.WithContext(ctx).First(&m, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return m.toEntry(), nil
}

// Set upserts an entry. Unlike L1, expired entries are still written;
// the durable tier doubles as provider-attributed history.
func (t *PostgresTier) Set(ctx context.Context, key string, e *Entry) error {
	if e == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	m := toModel(key, e)
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("postgres set: %w", err)
	}
	return nil
}

// GetBatch retrieves entries for the keys in a single IN query.
// Missing slots are nil.
func (t *PostgresTier) GetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var models []entryModel
	err := t.db.WithContext(ctx).Where("key IN ?", keys).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("postgres batch get: %w", err)
	}

	byKey := make(map[string]*entryModel, len(models))
	for i := range models {
		byKey[models[i].Key] = &models[i]
	}

	out := make([]*Entry, len(keys))
	for i, k := range keys {
		if m, ok := byKey[k]; ok {
			out[i] = m.toEntry()
		}
	}
	return out, nil
}

// SetBatch upserts entries in a single statement. Returns the number of
// entries written.
func (t *PostgresTier) SetBatch(ctx context.Context, entries []*Entry) (int, error) {
	models := make([]entryModel, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		models = append(models, toModel(e.Key, e))
	}
	if len(models) == 0 {
		return 0, nil
	}

	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&models).Error
	if err != nil {
		return 0, fmt.Errorf("postgres batch set: %w", err)
	}
	return len(models), nil
}

// Delete removes keys.
func (t *PostgresTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := t.db.WithContext(ctx).Where("key IN ?", keys).Delete(&entryModel{}).Error
	if err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// InvalidatePrefix removes every key under the given prefix.
func (t *PostgresTier) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	res := t.db.WithContext(ctx).Where("key LIKE ?", prefix+"%").Delete(&entryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("postgres invalidate: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeExpired deletes entries whose TTL lapsed more than retention ago.
// The daemon runs this periodically; it bounds the historical window.
func (t *PostgresTier) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := t.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&entryModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("postgres purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
