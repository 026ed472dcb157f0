package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User is a local account, optionally linked to an external OpenAuth identity.
//
// ExternalAuthKey carries the link in the form "openauth:<subject>" and is
// unique across all users — one external identity can never be bound to two
// local accounts. A nil ExternalAuthKey means the account is not linked.
//
// AvatarRemoteURL and AvatarEnabled control the remote-avatar cache: the URL
// is the provider-supplied picture claim, and the flag is flipped off
// permanently when a download or validation of that URL fails (one-strike
// circuit breaker, see the avatar package).
type User struct {
	Base
	Username        string          `gorm:"uniqueIndex;not null"`
	Email           string          `gorm:"uniqueIndex;not null"`
	Password        EncryptedString `gorm:"type:text"` // Argon2id hash, empty until registration completes
	Activated       bool            `gorm:"not null;default:false"`
	ExternalAuthKey *string         `gorm:"uniqueIndex"`
	AvatarRemoteURL string          `gorm:"default:''"`
	AvatarEnabled   bool            `gorm:"not null;default:false"`
	LastLoginAt     *time.Time

	// Profile fields fed either by the registration form or imported from
	// provider claims when the form left them at their defaults.
	Website    string `gorm:"default:''"`
	Location   string `gorm:"default:''"`
	Occupation string `gorm:"default:''"`
	Hobbies    string `gorm:"default:''"`
	AboutMe    string `gorm:"type:text;default:''"`
	Birthday   string `gorm:"default:''"` // date string as reported by the claim, unvalidated
	Gender     string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// SessionValue is one key/value entry in a browsing session's transient store.
// It backs the database implementation of session.Store.
//
// Values are JSON-encoded by the session layer and encrypted at rest via
// EncryptedString, since they can carry provider claims (email, profile data)
// for the pending link and registration contexts.
type SessionValue struct {
	Base
	SessionID string          `gorm:"not null;index;uniqueIndex:idx_session_key,priority:1"`
	Key       string          `gorm:"not null;uniqueIndex:idx_session_key,priority:2"`
	Value     EncryptedString `gorm:"type:text;not null"`
	ExpiresAt time.Time       `gorm:"not null;index"`
}
