package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lotusloft/studio/internal/history"
	"github.com/lotusloft/studio/internal/httpapi"
	"github.com/lotusloft/studio/internal/notify"
	"github.com/lotusloft/studio/internal/reconcile"
	"github.com/lotusloft/studio/internal/store/gormstore"
	"github.com/lotusloft/studio/pkg/booking"
	"github.com/lotusloft/studio/pkg/credits"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagSessionKey       = "session-signing-key"
	flagRedisAddr        = "redis-addr"
	flagAMQPURL          = "amqp-url"
	flagReconcileEvery   = "reconcile-interval"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyOrigins     = "allowed_origins"
	configKeySessionKey  = "session_signing_key"
	configKeyRedisAddr   = "redis_addr"
	configKeyAMQPURL     = "amqp_url"
	configKeyReconcile   = "reconcile_interval"
	defaultDatabaseURL   = "sqlite:///tmp/studio.db"
	defaultListenAddr    = ":9090"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	RedisAddr         string
	AMQPURL           string
	ReconcileInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "studiod: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "studiod",
		Short:         "Studio booking and credit server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagSessionKey, "", "Session JWT signing key")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for the class list cache (empty disables)")
	cmd.Flags().String(flagAMQPURL, "", "RabbitMQ URL for booking events (empty disables)")
	cmd.Flags().Duration(flagReconcileEvery, 5*time.Minute, "Interval between reconciliation sweeps")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL: "DATABASE_URL",
		configKeyListenAddr:  "LISTEN_ADDR",
		configKeyOrigins:     "ALLOWED_ORIGINS",
		configKeySessionKey:  "SESSION_SIGNING_KEY",
		configKeyRedisAddr:   "REDIS_ADDR",
		configKeyAMQPURL:     "AMQP_URL",
		configKeyReconcile:   "RECONCILE_INTERVAL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyOrigins:     flagAllowedOrigins,
		configKeySessionKey:  flagSessionKey,
		configKeyRedisAddr:   flagRedisAddr,
		configKeyAMQPURL:     flagAMQPURL,
		configKeyReconcile:   flagReconcileEvery,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionKey)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.AMQPURL = viper.GetString(configKeyAMQPURL)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcile)
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }

	creditStore := gormstore.NewCreditStore(gormDB)
	catalogStore := gormstore.NewCatalogStore(gormDB)
	historyStore := gormstore.NewHistoryStore(gormDB)

	creditService, err := credits.NewService(creditStore, clock,
		credits.WithOperationLogger(&creditOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	recorder := history.NewRecorder(historyStore, logger)
	defer recorder.Close()

	senders := []notify.Sender{}
	if cfg.AMQPURL != "" {
		senders = append(senders, notify.NewAMQPSender(cfg.AMQPURL))
	}
	dispatcher := notify.NewDispatcher(logger, senders...)

	coordinator, err := booking.NewCoordinator(
		catalogStore,
		creditService,
		clock,
		booking.WithHistoryRecorder(recorder),
		booking.WithEventSink(dispatcher),
		booking.WithOperationLogger(&bookingOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("coordinator init: %w", err)
	}

	sweeper := reconcile.NewSweeper(
		creditStore,
		creditService,
		logger,
		clock,
		reconcile.WithInterval(cfg.ReconcileInterval),
	)
	go sweeper.Run(ctx)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, class list cache disabled", zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	server, err := httpapi.NewServer(
		httpapi.Config{
			ListenAddr:        cfg.ListenAddr,
			AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
			SessionSigningKey: cfg.SessionSigningKey,
			RedisAddr:         cfg.RedisAddr,
		},
		httpapi.Dependencies{
			Coordinator: coordinator,
			Wallet:      creditService,
			Catalog:     catalogStore,
			History:     historyStore,
			Redis:       redisClient,
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

// creditOperationLogger forwards ledger operation outcomes to zap.
type creditOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *creditOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("member_id", entry.MemberID.String()),
		zap.Int("amount", int(entry.Amount)),
		zap.String("reference_key", entry.ReferenceKey),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("credit operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}

// bookingOperationLogger forwards reservation outcomes to zap. A
// reconciliation alert means a refund was lost and the sweep must repair
// it, so it logs at error level.
type bookingOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *bookingOperationLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("member_id", entry.MemberID),
		zap.String("class_id", entry.ClassID),
		zap.String("status", entry.Status),
	}
	if entry.State != "" {
		fields = append(fields, zap.String("state", string(entry.State)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch {
	case entry.Status == booking.StatusReconciliationAlert:
		operationLogger.logger.Error("reservation refund pending reconciliation", fields...)
	case entry.Error != nil:
		operationLogger.logger.Warn("reservation operation failed", fields...)
	default:
		operationLogger.logger.Info("reservation operation", fields...)
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "studio.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	err := db.AutoMigrate(
		&gormstore.MemberBalance{},
		&gormstore.CreditTransaction{},
		&gormstore.ClassRecord{},
		&gormstore.Enrollment{},
		&gormstore.BookingHistoryRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
