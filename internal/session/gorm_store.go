package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openauth-dev/connect/internal/db"
)

// GormStore persists session entries in the session_values table.
// Values are encrypted at rest via db.EncryptedString since pending contexts
// carry provider claims.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by the provided *gorm.DB.
func NewGormStore(database *gorm.DB) *GormStore {
	return &GormStore{db: database}
}

// Register upserts the entry for (sessionID, key), refreshing its expiry.
func (s *GormStore) Register(ctx context.Context, sessionID, key string, value []byte) error {
	record := db.SessionValue{
		SessionID: sessionID,
		Key:       key,
		Value:     db.EncryptedString(value),
		ExpiresAt: time.Now().Add(Lifetime),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("session: register %q: %w", key, err)
	}
	return nil
}

// Get retrieves the entry for (sessionID, key). Expired entries are treated
// as absent; they are removed lazily here rather than by a background sweep.
func (s *GormStore) Get(ctx context.Context, sessionID, key string) ([]byte, bool, error) {
	var record db.SessionValue
	err := s.db.WithContext(ctx).
		First(&record, "session_id = ? AND key = ?", sessionID, key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: get %q: %w", key, err)
	}

	if time.Now().After(record.ExpiresAt) {
		_ = s.Unregister(ctx, sessionID, key)
		return nil, false, nil
	}

	return []byte(record.Value), true, nil
}

// Unregister removes the entry for (sessionID, key). Removing a missing
// entry is a no-op — the desired state is already met.
func (s *GormStore) Unregister(ctx context.Context, sessionID, key string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND key = ?", sessionID, key).
		Delete(&db.SessionValue{}).Error
	if err != nil {
		return fmt.Errorf("session: unregister %q: %w", key, err)
	}
	return nil
}
