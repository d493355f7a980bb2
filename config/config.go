package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/logging"
	"github.com/vyaesop/eeee/internal/tiers"
)

type Config struct {
	ServerConfig     ServerConfig     `json:"server"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	VaultConfig      VaultConfig      `json:"vault"`
	AuthConfig       AuthConfig       `json:"auth"`
	LedgerConfig     LedgerConfig     `json:"ledger"`
	Tiers            []TierConfig     `json:"tiers,omitempty"` // empty = built-in catalogue
	SettlementConfig SettlementConfig `json:"settlement"`
	ProjectionConfig ProjectionConfig `json:"projection"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int     `json:"port"`
	Host            string  `json:"host"`
	AllowedOrigins  string  `json:"allowed_origins"` // comma separated, "*" for any
	ReadTimeout     int     `json:"read_timeout"`    // Seconds
	WriteTimeout    int     `json:"write_timeout"`   // Seconds
	ShutdownTimeout int     `json:"shutdown_timeout"`
	RateLimit       float64 `json:"rate_limit"` // requests per second per client, 0 disables
	RateBurst       int     `json:"rate_burst"`
	GinMode         string  `json:"gin_mode"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DatabaseConfig selects and configures the document store
type DatabaseConfig struct {
	Driver      string `json:"driver"` // "memory" or "postgres"
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	SSLMode     string `json:"ssl_mode"`
	DSN         string `json:"dsn"`
	MaxConns    int    `json:"max_conns"`
	MinConns    int    `json:"min_conns"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// RedisConfig holds Redis configuration for change notification and the batch lock
type RedisConfig struct {
	Enabled       bool   `json:"enabled"`
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	PoolSize      int    `json:"pool_size"`
	ChannelPrefix string `json:"channel_prefix"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the service secrets
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
	MinPasswordLength   int           `json:"min_password_length"`
	// Seeded on startup when both are set
	AdminEmail    string `json:"admin_email"`
	AdminPassword string `json:"admin_password"`
}

// LedgerConfig holds the monetary rules. Amounts and rates are decimal strings.
type LedgerConfig struct {
	DailyRate         string        `json:"daily_rate"`
	ReferralBonusRate string        `json:"referral_bonus_rate"`
	WithdrawalFeeRate string        `json:"withdrawal_fee_rate"`
	MinWithdrawal     string        `json:"min_withdrawal"`
	MinDeposit        string        `json:"min_deposit"`
	Epsilon           string        `json:"epsilon"`
	MaxRetries        int           `json:"max_retries"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
}

// TierConfig overrides one tier of the catalogue. An empty MaxDeposit marks the
// unbounded top tier.
type TierConfig struct {
	Name            string `json:"name"`
	MinDeposit      string `json:"min_deposit"`
	MaxDeposit      string `json:"max_deposit,omitempty"`
	DailyReturnRate string `json:"daily_return_rate"`
	Color           string `json:"color,omitempty"`
}

// SettlementConfig holds batch settlement configuration
type SettlementConfig struct {
	Enabled        bool          `json:"enabled"`
	Spec           string        `json:"spec"`
	Threshold      time.Duration `json:"threshold"`
	MaxConcurrent  int           `json:"max_concurrent"`
	AccountTimeout time.Duration `json:"account_timeout"`
	RunTimeout     time.Duration `json:"run_timeout"`
	LockTTL        time.Duration `json:"lock_ttl"`
	CronSecret     string        `json:"cron_secret"`
}

// ProjectionConfig holds live earnings stream configuration
type ProjectionConfig struct {
	Interval time.Duration `json:"interval"`
}

func Load() (*Config, error) {
	return LoadFile("config.json")
}

// LoadFile loads filename if it exists, applies environment overrides and
// validates the result.
func LoadFile(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Values already set in the file are the fallback for their variable.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))
	cfg.ServerConfig.RateLimit = getEnvFloatOrDefault("SERVER_RATE_LIMIT", orFloat(cfg.ServerConfig.RateLimit, 20))
	cfg.ServerConfig.RateBurst = getEnvIntOrDefault("SERVER_RATE_BURST", orInt(cfg.ServerConfig.RateBurst, 40))
	cfg.ServerConfig.GinMode = getEnvOrDefault("GIN_MODE", orString(cfg.ServerConfig.GinMode, "release"))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Database config
	unconfiguredDB := cfg.DatabaseConfig.Driver == ""
	cfg.DatabaseConfig.Driver = strings.ToLower(getEnvOrDefault("DB_DRIVER", orString(cfg.DatabaseConfig.Driver, "memory")))
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Name, "membership_ledger"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.DSN)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", orInt(cfg.DatabaseConfig.MaxConns, 20))
	cfg.DatabaseConfig.MinConns = getEnvIntOrDefault("DB_MIN_CONNS", orInt(cfg.DatabaseConfig.MinConns, 2))
	cfg.DatabaseConfig.AutoMigrate = getEnvBoolOrDefault("DB_AUTO_MIGRATE", cfg.DatabaseConfig.AutoMigrate || unconfiguredDB)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.ChannelPrefix = getEnvOrDefault("REDIS_CHANNEL_PREFIX", orString(cfg.RedisConfig.ChannelPrefix, "ledger"))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "membership-ledger"))
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", orDuration(cfg.AuthConfig.AccessTokenDuration, 24*time.Hour))
	cfg.AuthConfig.MinPasswordLength = getEnvIntOrDefault("AUTH_MIN_PASSWORD_LENGTH", orInt(cfg.AuthConfig.MinPasswordLength, 8))
	cfg.AuthConfig.AdminEmail = getEnvOrDefault("ADMIN_EMAIL", cfg.AuthConfig.AdminEmail)
	cfg.AuthConfig.AdminPassword = getEnvOrDefault("ADMIN_PASSWORD", cfg.AuthConfig.AdminPassword)

	// Ledger config
	cfg.LedgerConfig.DailyRate = getEnvOrDefault("LEDGER_DAILY_RATE", orString(cfg.LedgerConfig.DailyRate, tiers.DefaultDailyRate.String()))
	cfg.LedgerConfig.ReferralBonusRate = getEnvOrDefault("LEDGER_REFERRAL_BONUS_RATE", orString(cfg.LedgerConfig.ReferralBonusRate, "0.05"))
	cfg.LedgerConfig.WithdrawalFeeRate = getEnvOrDefault("LEDGER_WITHDRAWAL_FEE_RATE", orString(cfg.LedgerConfig.WithdrawalFeeRate, "0"))
	cfg.LedgerConfig.MinWithdrawal = getEnvOrDefault("LEDGER_MIN_WITHDRAWAL", orString(cfg.LedgerConfig.MinWithdrawal, "0"))
	cfg.LedgerConfig.MinDeposit = getEnvOrDefault("LEDGER_MIN_DEPOSIT", orString(cfg.LedgerConfig.MinDeposit, "0"))
	cfg.LedgerConfig.Epsilon = getEnvOrDefault("LEDGER_EPSILON", orString(cfg.LedgerConfig.Epsilon, tiers.DefaultEpsilon.String()))
	cfg.LedgerConfig.MaxRetries = getEnvIntOrDefault("LEDGER_MAX_RETRIES", orInt(cfg.LedgerConfig.MaxRetries, 5))
	cfg.LedgerConfig.RetryBackoff = getEnvDurationOrDefault("LEDGER_RETRY_BACKOFF", orDuration(cfg.LedgerConfig.RetryBackoff, 10*time.Millisecond))

	// Settlement config
	cfg.SettlementConfig.Enabled = getEnvBoolOrDefault("SETTLEMENT_ENABLED", cfg.SettlementConfig.Enabled || cfg.SettlementConfig.Spec == "")
	cfg.SettlementConfig.Spec = getEnvOrDefault("SETTLEMENT_SPEC", orString(cfg.SettlementConfig.Spec, "@daily"))
	cfg.SettlementConfig.Threshold = getEnvDurationOrDefault("SETTLEMENT_THRESHOLD", orDuration(cfg.SettlementConfig.Threshold, 24*time.Hour))
	cfg.SettlementConfig.MaxConcurrent = getEnvIntOrDefault("SETTLEMENT_MAX_CONCURRENT", orInt(cfg.SettlementConfig.MaxConcurrent, 8))
	cfg.SettlementConfig.AccountTimeout = getEnvDurationOrDefault("SETTLEMENT_ACCOUNT_TIMEOUT", orDuration(cfg.SettlementConfig.AccountTimeout, 30*time.Second))
	cfg.SettlementConfig.RunTimeout = getEnvDurationOrDefault("SETTLEMENT_RUN_TIMEOUT", orDuration(cfg.SettlementConfig.RunTimeout, 30*time.Minute))
	cfg.SettlementConfig.LockTTL = getEnvDurationOrDefault("SETTLEMENT_LOCK_TTL", orDuration(cfg.SettlementConfig.LockTTL, time.Hour))
	cfg.SettlementConfig.CronSecret = getEnvOrDefault("CRON_SECRET", cfg.SettlementConfig.CronSecret)

	// Projection config
	cfg.ProjectionConfig.Interval = getEnvDurationOrDefault("PROJECTION_INTERVAL", orDuration(cfg.ProjectionConfig.Interval, time.Second))
}

// Validate checks that the tier table and ledger policy can be built
func (c *Config) Validate() error {
	if _, err := c.TierTable(); err != nil {
		return err
	}
	if _, err := c.LedgerPolicy(); err != nil {
		return err
	}
	switch c.DatabaseConfig.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.DatabaseConfig.Driver)
	}
	if c.ProjectionConfig.Interval <= 0 {
		return fmt.Errorf("projection interval must be positive")
	}
	return nil
}

// TierTable builds the tier table from the configured overrides or the
// built-in catalogue at the configured daily rate.
func (c *Config) TierTable() (*tiers.Table, error) {
	epsilon, err := parseDecimal("ledger.epsilon", c.LedgerConfig.Epsilon)
	if err != nil {
		return nil, err
	}

	if len(c.Tiers) == 0 {
		rate, err := parseDecimal("ledger.daily_rate", c.LedgerConfig.DailyRate)
		if err != nil {
			return nil, err
		}
		table, err := tiers.NewTable(tiers.DefaultTiers(rate), epsilon)
		if err != nil {
			return nil, fmt.Errorf("invalid tier table: %w", err)
		}
		return table, nil
	}

	list := make([]tiers.Tier, 0, len(c.Tiers))
	for i, tc := range c.Tiers {
		minDeposit, err := parseDecimal(fmt.Sprintf("tiers[%d].min_deposit", i), tc.MinDeposit)
		if err != nil {
			return nil, err
		}
		rate, err := parseDecimal(fmt.Sprintf("tiers[%d].daily_return_rate", i), tc.DailyReturnRate)
		if err != nil {
			return nil, err
		}
		t := tiers.Tier{Name: tc.Name, MinDeposit: minDeposit, DailyReturnRate: rate, Color: tc.Color}
		if tc.MaxDeposit != "" {
			maxDeposit, err := parseDecimal(fmt.Sprintf("tiers[%d].max_deposit", i), tc.MaxDeposit)
			if err != nil {
				return nil, err
			}
			t.MaxDeposit = &maxDeposit
		}
		list = append(list, t)
	}
	table, err := tiers.NewTable(list, epsilon)
	if err != nil {
		return nil, fmt.Errorf("invalid tier table: %w", err)
	}
	return table, nil
}

// LedgerPolicy converts the ledger section into a validated policy
func (c *Config) LedgerPolicy() (ledger.Policy, error) {
	lc := c.LedgerConfig
	p := ledger.Policy{MaxRetries: lc.MaxRetries, RetryBackoff: lc.RetryBackoff}

	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"ledger.referral_bonus_rate", lc.ReferralBonusRate, &p.ReferralBonusRate},
		{"ledger.withdrawal_fee_rate", lc.WithdrawalFeeRate, &p.WithdrawalFeeRate},
		{"ledger.min_withdrawal", lc.MinWithdrawal, &p.MinWithdrawal},
		{"ledger.min_deposit", lc.MinDeposit, &p.MinDeposit},
	}
	for _, f := range fields {
		d, err := parseDecimal(f.name, f.value)
		if err != nil {
			return ledger.Policy{}, err
		}
		*f.dst = d
	}

	if err := p.Validate(); err != nil {
		return ledger.Policy{}, fmt.Errorf("invalid ledger policy: %w", err)
	}
	return p, nil
}

// Logging converts the logging section for the logging package
func (c *LoggingConfig) Logging() *logging.Config {
	return &logging.Config{
		Level:       c.Level,
		Output:      c.Output,
		JSONFormat:  c.JSONFormat,
		IncludeFile: c.IncludeFile,
	}
}

// Database converts the database section for the PostgreSQL pool
func (c *DatabaseConfig) Database() database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Name,
		SSLMode:  c.SSLMode,
		DSN:      c.DSN,
		MaxConns: int32(c.MaxConns),
		MinConns: int32(c.MinConns),
	}
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "http://localhost:3000",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
			RateLimit:       20,
			RateBurst:       40,
			GinMode:         "release",
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DatabaseConfig: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Name:        "membership_ledger",
			SSLMode:     "disable",
			MaxConns:    20,
			MinConns:    2,
			AutoMigrate: true,
		},
		RedisConfig: RedisConfig{
			Enabled:       false,
			Address:       "localhost:6379",
			PoolSize:      10,
			ChannelPrefix: "ledger",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "membership-ledger",
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 24 * time.Hour,
			MinPasswordLength:   8,
		},
		LedgerConfig: LedgerConfig{
			DailyRate:         tiers.DefaultDailyRate.String(),
			ReferralBonusRate: "0.05",
			WithdrawalFeeRate: "0",
			MinWithdrawal:     "0",
			MinDeposit:        "0",
			Epsilon:           tiers.DefaultEpsilon.String(),
			MaxRetries:        5,
			RetryBackoff:      10 * time.Millisecond,
		},
		SettlementConfig: SettlementConfig{
			Enabled:        true,
			Spec:           "@daily",
			Threshold:      24 * time.Hour,
			MaxConcurrent:  8,
			AccountTimeout: 30 * time.Second,
			RunTimeout:     30 * time.Minute,
			LockTTL:        time.Hour,
		},
		ProjectionConfig: ProjectionConfig{
			Interval: time.Second,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
