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

	"github.com/MarkoPoloResearchLab/aicredit/internal/httpapi"
	"github.com/MarkoPoloResearchLab/aicredit/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/aicredit/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/aicredit/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagPricingFile    = "pricing-file"
	flagStoreBackend   = "store-backend"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyPricingFile    = "pricing_file"
	configKeyStoreBackend   = "store_backend"

	defaultDatabaseURL  = "sqlite:///tmp/aicredit.db"
	defaultListenAddr   = ":8080"
	storeBackendPgx     = "pgx"
	storeBackendGorm    = "gorm"
	defaultStoreBackend = storeBackendPgx
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	PricingFile    string
	StoreBackend   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Metered usage credit ledger server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagPricingFile, "", "pricing table file (yaml)")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "postgres access path: pgx or gorm")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := []struct {
		configKey string
		envVar    string
		flagName  string
	}{
		{configKeyDatabaseURL, "DATABASE_URL", flagDatabaseURL},
		{configKeyListenAddr, "LISTEN_ADDR", flagListenAddr},
		{configKeyAllowedOrigins, "ALLOWED_ORIGINS", flagAllowedOrigins},
		{configKeyPricingFile, "PRICING_FILE", flagPricingFile},
		{configKeyStoreBackend, "STORE_BACKEND", flagStoreBackend},
	}
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.configKey, binding.envVar); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
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
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.PricingFile = viper.GetString(configKeyPricingFile)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if cfg.StoreBackend != storeBackendPgx && cfg.StoreBackend != storeBackendGorm {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL, cfg.StoreBackend)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	pricing, err := loadPricing(cfg.PricingFile)
	if err != nil {
		return fmt.Errorf("pricing init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, pricing, clock,
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	rewardAggregator, err := credits.NewAggregator(store, logger, credits.AggregatorConfig{})
	if err != nil {
		return fmt.Errorf("aggregator init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}
	server, err := httpapi.NewServer(logger, creditService, rewardAggregator, apiConfig)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	runErr := server.Run(ctx)
	rewardAggregator.Close()
	return runErr
}

// openStore picks the storage backend by DSN scheme: postgres runs on a pgx
// pool by default (or through gorm when the backend says so), everything else
// on sqlite through gorm. The sqlite schema is migrated in-process; postgres
// deployments migrate out of band.
func openStore(ctx context.Context, dsn string, backend string) (credits.Store, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if backend == storeBackendGorm {
			db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
			if err != nil {
				return nil, nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, nil, err
			}
			cleanup := func() { _ = sqlDB.Close() }
			return gormstore.New(db.WithContext(ctx)), cleanup, nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func loadPricing(path string) (*credits.TablePricing, error) {
	config := defaultPricingConfig()
	if path != "" {
		pricingViper := viper.New()
		pricingViper.SetConfigFile(path)
		if err := pricingViper.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := pricingViper.Unmarshal(&config); err != nil {
			return nil, err
		}
	}
	return credits.NewTablePricing(config)
}

func defaultPricingConfig() credits.PricingConfig {
	return credits.PricingConfig{
		CreditsPerUSD: 100,
		DefaultRate: &credits.RateEntry{
			InputUSDPerMillion:  1.0,
			OutputUSDPerMillion: 4.0,
		},
	}
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "aicredit.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
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
