package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vyaesop/eeee/config"
	"github.com/vyaesop/eeee/internal/api"
	"github.com/vyaesop/eeee/internal/auth"
	"github.com/vyaesop/eeee/internal/cache"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/logging"
	"github.com/vyaesop/eeee/internal/settlement"
	"github.com/vyaesop/eeee/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	sampleConfig := flag.String("sample-config", "", "write a sample config to this path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Printf("Sample configuration written to %s\n", *sampleConfig)
		return
	}

	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logCfg := cfg.LoggingConfig.Logging()
	logCfg.Component = "main"
	logger := logging.New(logCfg)
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized", "level", cfg.LoggingConfig.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize event bus
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventTierChanged, func(e events.Event) {
		logger.Info("Tier changed", "account_id", e.AccountID, "from", e.Data["from"], "to", e.Data["to"])
	})

	// Redis backs cross-instance change notification and the batch lock
	var (
		cacheService *cache.CacheService
		notifier     database.Notifier
	)
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Fatal("Failed to initialize Redis", "error", err.Error())
		}
		defer cacheService.Close()
		notifier = cache.NewRedisNotifier(cacheService)
		logger.Info("Redis notifier enabled", "address", cfg.RedisConfig.Address, "healthy", cacheService.IsHealthy())
	}

	store, err := openStore(ctx, cfg, notifier, logger)
	if err != nil {
		logger.Fatal("Failed to open store", "driver", cfg.DatabaseConfig.Driver, "error", err.Error())
	}
	defer store.Close()

	// Secrets come from Vault when enabled, otherwise from config
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to initialize Vault client", "error", err.Error())
	}
	secrets, err := vaultClient.LoadSecrets(ctx, vault.Secrets{
		JWTSecret:  cfg.AuthConfig.JWTSecret,
		CronSecret: cfg.SettlementConfig.CronSecret,
	})
	if err != nil {
		logger.Warn("Vault unavailable, using configured secrets", "error", err.Error())
	}
	if secrets.JWTSecret == "" {
		logger.Fatal("JWT secret is not configured (AUTH_JWT_SECRET or Vault jwt_secret)")
	}

	// Ledger
	table, err := cfg.TierTable()
	if err != nil {
		logger.Fatal("Invalid tier table", "error", err.Error())
	}
	policy, err := cfg.LedgerPolicy()
	if err != nil {
		logger.Fatal("Invalid ledger policy", "error", err.Error())
	}
	ledgerService, err := ledger.NewService(store, table, policy,
		ledger.WithEventBus(eventBus),
		ledger.WithLogger(logger.Zerolog()),
	)
	if err != nil {
		logger.Fatal("Failed to create ledger service", "error", err.Error())
	}
	logger.Info("Ledger initialized", "tiers", table.Len(), "referral_bonus_rate", policy.ReferralBonusRate.String())

	// Auth
	authService, err := auth.NewService(store, ledgerService, auth.Config{
		JWTSecret:           secrets.JWTSecret,
		AccessTokenDuration: cfg.AuthConfig.AccessTokenDuration,
		MinPasswordLength:   cfg.AuthConfig.MinPasswordLength,
	})
	if err != nil {
		logger.Fatal("Failed to create auth service", "error", err.Error())
	}
	if err := authService.SeedAdmin(ctx, cfg.AuthConfig.AdminEmail, cfg.AuthConfig.AdminPassword); err != nil {
		logger.Error("Failed to seed admin", "error", err.Error())
	}

	// Batch settlement
	batch := settlement.NewBatchSettler(store, ledgerService, &settlement.BatchConfig{
		MaxConcurrent:  cfg.SettlementConfig.MaxConcurrent,
		AccountTimeout: cfg.SettlementConfig.AccountTimeout,
		Retry:          settlement.DefaultRetryConfig(),
	}, eventBus, logger.Zerolog())

	var locker settlement.Locker
	if cacheService != nil {
		locker = cache.NewLock(cacheService, cfg.SettlementConfig.LockTTL)
	}
	scheduler := settlement.NewScheduler(batch, &settlement.SchedulerConfig{
		Spec:       cfg.SettlementConfig.Spec,
		Threshold:  cfg.SettlementConfig.Threshold,
		RunTimeout: cfg.SettlementConfig.RunTimeout,
	}, locker, logger.Zerolog())

	if cfg.SettlementConfig.Enabled {
		if err := scheduler.Start(); err != nil {
			logger.Fatal("Failed to start settlement scheduler", "spec", cfg.SettlementConfig.Spec, "error", err.Error())
		}
		defer scheduler.Stop()
	} else {
		logger.Info("Scheduled settlement disabled; manual runs only")
	}

	// HTTP API
	server, err := api.NewServer(api.Config{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: api.SplitOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		GinMode:        cfg.ServerConfig.GinMode,
		RateLimit:      cfg.ServerConfig.RateLimit,
		RateBurst:      cfg.ServerConfig.RateBurst,
		StreamInterval: cfg.ProjectionConfig.Interval,
		CronSecret:     secrets.CronSecret,
	}, api.Dependencies{
		Ledger:      ledgerService,
		Store:       store,
		Auth:        authService,
		Settlements: scheduler,
		Events:      eventBus,
		Cache:       cacheService,
	})
	if err != nil {
		logger.Fatal("Failed to create API server", "error", err.Error())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server stopped", "error", err.Error())
		}
	}

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err.Error())
	}
	eventBus.Wait()
	logger.Info("Shutdown complete")
}

// openStore selects the document store backing the ledger
func openStore(ctx context.Context, cfg *config.Config, notifier database.Notifier, logger *logging.Logger) (database.Store, error) {
	switch cfg.DatabaseConfig.Driver {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.DatabaseConfig.Database())
		if err != nil {
			return nil, err
		}
		if cfg.DatabaseConfig.AutoMigrate {
			if err := db.RunMigrations(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.Info("Database migrations applied")
		}
		logger.Info("Using PostgreSQL store", "host", cfg.DatabaseConfig.Host, "database", cfg.DatabaseConfig.Name)
		return database.NewRepository(db, notifier), nil
	default:
		logger.Warn("Using in-memory store; data is lost on restart")
		return database.NewMemoryStore(notifier), nil
	}
}
