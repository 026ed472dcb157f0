// Package main implements a one-shot seed command that creates a user directly
// in the connect database. It lives inside the module so it can access
// internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username admin \
//	  --email admin@test.com \
//	  --password secret \
//	  --subject 12345
//
// Environment variables:
//
//	CONNECT_DB_DSN      SQLite file path or Postgres DSN (default: ./connect.db)
//	CONNECT_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	username := flag.String("username", "", "Username (required)")
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	subject := flag.String("subject", "", "External provider subject to link the user to (optional)")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("--username is required")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("CONNECT_DB_DSN", "./connect.db")

	secretKey := os.Getenv("CONNECT_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"CONNECT_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	derived := sha256.Sum256([]byte(secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Hash password ────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// ─── Create user ──────────────────────────────────────────────────────────

	userRepo := repository.NewUserRepository(database)

	user := &db.User{
		Username:      *username,
		Email:         *email,
		Password:      db.EncryptedString(hashed),
		Activated:     true,
		AvatarEnabled: true,
	}
	if *subject != "" {
		identity := auth.Identity{Subject: *subject}
		key := identity.AuthKey()
		user.ExternalAuthKey = &key
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("a user with username %q or email %q already exists", *username, *email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Email:    %s\n", user.Email)
	if user.ExternalAuthKey != nil {
		fmt.Printf("  Linked:   %s\n", *user.ExternalAuthKey)
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
