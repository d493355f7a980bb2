package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vyaesop/eeee/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// DSN overrides the individual fields when set
	DSN      string
	MaxConns int32
	MinConns int32
}

// ConnString builds the pgx connection string
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("Connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("database").Info("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the ledger tables
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.WithComponent("database")
	log.Info("Running database migrations...")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("Database migrations completed", "count", len(migrations))
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(64) PRIMARY KEY,
		principal NUMERIC NOT NULL DEFAULT 0 CHECK (principal >= 0),
		earnings_balance NUMERIC NOT NULL DEFAULT 0 CHECK (earnings_balance >= 0),
		tier_name VARCHAR(64) NOT NULL,
		last_settled_at TIMESTAMPTZ NOT NULL,
		referred_by VARCHAR(64) REFERENCES accounts(id) ON DELETE SET NULL,
		auto_compound BOOLEAN NOT NULL DEFAULT TRUE,
		referral_code VARCHAR(16) NOT NULL UNIQUE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_last_settled_at ON accounts(last_settled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_referred_by ON accounts(referred_by)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		account_id VARCHAR(64) PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
		email VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'user',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_email ON credentials(LOWER(email))`,

	`CREATE TABLE IF NOT EXISTS referrals (
		referrer_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		referred_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		cumulative_deposit NUMERIC NOT NULL DEFAULT 0,
		bonus_paid NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (referrer_id, referred_id)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		entry_type VARCHAR(32) NOT NULL,
		amount NUMERIC NOT NULL,
		fee NUMERIC NOT NULL DEFAULT 0,
		principal_after NUMERIC NOT NULL,
		earnings_after NUMERIC NOT NULL,
		reference VARCHAR(128),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, created_at DESC)`,
}
