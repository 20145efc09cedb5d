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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/swaroopai/metergate/internal/docproc"
	"github.com/swaroopai/metergate/internal/httpserver"
	"github.com/swaroopai/metergate/internal/oplog"
	"github.com/swaroopai/metergate/internal/store/gormstore"
	"github.com/swaroopai/metergate/pkg/metering"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagUpstreamURL      = "upstream-url"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagStartingGrant    = "starting-grant"
	flagAllowedOrigins   = "allowed-origins"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyUpstreamURL = "upstream_url"
	configKeySigningKey  = "jwt_signing_key"
	configKeyIssuer      = "jwt_issuer"
	configKeyGrant       = "starting_grant"
	configKeyOrigins     = "allowed_origins"
	defaultDatabaseURL   = "sqlite:///tmp/metergate.db"
	defaultListenAddr    = ":8080"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	UpstreamURL    string
	JWTSigningKey  string
	JWTIssuer      string
	StartingGrant  int64
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Metered document API gateway",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagUpstreamURL, "", "Document processing backend base URL")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key used to verify bearer tokens")
	cmd.Flags().String(flagJWTIssuer, "", "Expected token issuer (optional)")
	cmd.Flags().Int64(flagStartingGrant, httpserver.DefaultStartingGrant, "Credits granted on account bootstrap")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL: "DATABASE_URL",
		configKeyListenAddr:  "LISTEN_ADDR",
		configKeyUpstreamURL: "UPSTREAM_URL",
		configKeySigningKey:  "JWT_SIGNING_KEY",
		configKeyIssuer:      "JWT_ISSUER",
		configKeyGrant:       "STARTING_GRANT",
		configKeyOrigins:     "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyUpstreamURL: flagUpstreamURL,
		configKeySigningKey:  flagJWTSigningKey,
		configKeyIssuer:      flagJWTIssuer,
		configKeyGrant:       flagStartingGrant,
		configKeyOrigins:     flagAllowedOrigins,
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
	cfg.UpstreamURL = viper.GetString(configKeyUpstreamURL)
	cfg.JWTSigningKey = viper.GetString(configKeySigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyIssuer)
	cfg.StartingGrant = viper.GetInt64(configKeyGrant)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyOrigins)

	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream url is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.StartingGrant < 0 {
		return fmt.Errorf("starting grant must not be negative")
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
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := oplog.New(logger)
	hub := metering.NewHub()
	catalog := metering.DefaultCatalog()

	ledger, err := metering.NewLedger(store, clock, metering.WithLedgerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	registry, err := metering.NewRegistry(store, catalog, clock,
		metering.WithRegistryNotifier(hub),
		metering.WithRegistryLogger(operationLogger),
	)
	if err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	gate, err := metering.NewGate(store, catalog)
	if err != nil {
		return fmt.Errorf("gate init: %w", err)
	}
	coordinator, err := metering.NewCoordinator(store, registry, gate, ledger, catalog, clock,
		metering.WithCoordinatorNotifier(hub),
		metering.WithCoordinatorLogger(operationLogger),
	)
	if err != nil {
		return fmt.Errorf("coordinator init: %w", err)
	}
	usage, err := metering.NewUsageReporter(store)
	if err != nil {
		return fmt.Errorf("usage reporter init: %w", err)
	}
	processor, err := docproc.NewClient(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("docproc client init: %w", err)
	}

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		StartingGrant:  cfg.StartingGrant,
	}, logger, ledger, registry, coordinator, usage, hub, catalog, processor)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
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
			path = "metergate.db"
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
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.LedgerTransaction{}, &gormstore.Entitlement{}, &gormstore.UsageLog{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
