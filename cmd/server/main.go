package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openauth-dev/connect/internal/api"
	"github.com/openauth-dev/connect/internal/auth"
	"github.com/openauth-dev/connect/internal/avatar"
	"github.com/openauth-dev/connect/internal/db"
	"github.com/openauth-dev/connect/internal/discovery"
	"github.com/openauth-dev/connect/internal/oauthapi"
	"github.com/openauth-dev/connect/internal/repository"
	"github.com/openauth-dev/connect/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	dbDriver       string
	dbDSN          string
	sessionBackend string
	redisAddr      string
	secretKey      string
	clientID       string
	clientSecret   string
	providerURL    string
	publicURL      string
	avatarDir      string
	logLevel       string
	debug          bool
	secure         bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "connect-server",
		Short: "Connect server — external identity login and linking",
		Long: `Connect server lets users sign in with, register through, and link their
accounts to an external OpenAuth identity provider. It also caches the
provider-hosted profile pictures locally and serves them as user avatars.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CONNECT_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CONNECT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CONNECT_DB_DSN", "./connect.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.sessionBackend, "session-backend", envOrDefault("CONNECT_SESSION_BACKEND", "db"), "Session store backend (db, redis or memory)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("CONNECT_REDIS_ADDR", "localhost:6379"), "Redis address for the redis session backend")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("CONNECT_SECRET_KEY", ""), "Master secret key for encrypting session values at rest (required)")
	root.PersistentFlags().StringVar(&cfg.clientID, "client-id", envOrDefault("CONNECT_CLIENT_ID", ""), "OAuth client id registered with the provider (required)")
	root.PersistentFlags().StringVar(&cfg.clientSecret, "client-secret", envOrDefault("CONNECT_CLIENT_SECRET", ""), "OAuth client secret (required)")
	root.PersistentFlags().StringVar(&cfg.providerURL, "provider-url", envOrDefault("CONNECT_PROVIDER_URL", ""), "Base URL of the OpenAuth identity provider (required)")
	root.PersistentFlags().StringVar(&cfg.publicURL, "public-url", envOrDefault("CONNECT_PUBLIC_URL", "http://localhost:8080"), "Public base URL of this server, used to build the OAuth redirect URI")
	root.PersistentFlags().StringVar(&cfg.avatarDir, "avatar-dir", envOrDefault("CONNECT_AVATAR_DIR", "./avatars"), "Directory for cached avatar files")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONNECT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.debug, "debug", os.Getenv("CONNECT_DEBUG") == "1", "Propagate provider errors instead of swallowing them")
	root.PersistentFlags().BoolVar(&cfg.secure, "secure-cookies", os.Getenv("CONNECT_INSECURE_COOKIES") != "1", "Set the Secure flag on session cookies")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("connect-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			return db.Migrate(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	switch {
	case cfg.secretKey == "":
		return fmt.Errorf("secret key is required — set --secret-key or CONNECT_SECRET_KEY")
	case cfg.clientID == "" || cfg.clientSecret == "":
		return fmt.Errorf("client credentials are required — set --client-id and --client-secret")
	case cfg.providerURL == "":
		return fmt.Errorf("provider URL is required — set --provider-url or CONNECT_PROVIDER_URL")
	}

	// The key may be any length on the command line; the cipher wants
	// exactly 32 bytes.
	derived := sha256.Sum256([]byte(cfg.secretKey))
	if err := db.InitEncryption(derived[:]); err != nil {
		return err
	}

	logger.Info("starting connect server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("session_backend", cfg.sessionBackend),
		zap.String("provider_url", cfg.providerURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	users := repository.NewUserRepository(database)

	var sessions session.Store
	switch cfg.sessionBackend {
	case "db", "":
		sessions = session.NewGormStore(database)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.redisAddr, err)
		}
		sessions = session.NewRedisStore(client)
	case "memory":
		sessions = session.NewMemoryStore()
	default:
		return fmt.Errorf("unsupported session backend %q, use \"db\", \"redis\" or \"memory\"", cfg.sessionBackend)
	}

	avatars, err := avatar.NewCache(cfg.avatarDir, users, logger)
	if err != nil {
		return err
	}

	disc := discovery.NewClient(cfg.providerURL, cfg.clientID, logger)

	profile := oauthapi.NewClient(oauthapi.Config{
		Discovery:    disc,
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		RedirectURI:  cfg.publicURL + "/auth/openauth",
		Debug:        cfg.debug,
		Logger:       logger,
	})

	resolver := auth.NewResolver(users, sessions, avatars, logger)

	flow := auth.NewFlow(auth.FlowConfig{
		Discovery:   disc,
		Profile:     profile,
		Resolver:    resolver,
		Sessions:    sessions,
		ClientID:    cfg.clientID,
		RedirectURI: cfg.publicURL + "/auth/openauth",
		Logger:      logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Flow:     flow,
		Resolver: resolver,
		Avatars:  avatars,
		Users:    users,
		Sessions: sessions,
		Logger:   logger,
		Secure:   cfg.secure,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down connect server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
