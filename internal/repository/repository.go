// Package repository provides data access for user records behind narrow
// interfaces, backed by GORM. The auth and avatar packages depend on these
// interfaces, never on *gorm.DB directly.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/openauth-dev/connect/internal/db"
)

// UserRepository is the persistence surface for user accounts.
//
// PatchFields is how the auth and avatar packages mutate linked-identity and
// avatar state: they update named columns only, never whole records, so a
// concurrent profile edit cannot be clobbered by an avatar circuit-breaker
// trip or a link confirmation.
type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)

	// GetByExternalAuthKey looks up the account linked to an external
	// identity ("openauth:<subject>"). Returns ErrNotFound when the identity
	// is not bound to any local account.
	GetByExternalAuthKey(ctx context.Context, key string) (*db.User, error)

	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)

	// PatchFields updates the named columns on a user record. Column names
	// use the database naming (e.g. "avatar_enabled", "external_auth_key").
	PatchFields(ctx context.Context, id uuid.UUID, fields map[string]any) error
}
