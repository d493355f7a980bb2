package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/vyaesop/eeee/config"
)

// Secret names stored under the service path
const (
	KeyJWTSecret  = "jwt_secret"
	KeyCronSecret = "cron_secret"
)

// Secrets are the service credentials resolved at startup
type Secrets struct {
	JWTSecret  string
	CronSecret string
}

// Client wraps the HashiCorp Vault client. When Vault is disabled secrets
// live in a local map only.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]string
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "membership-ledger"
	}
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]string),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]string),
	}, nil
}

// StoreSecrets writes values to the service path. Existing keys not in
// values are replaced, matching KV v2 write semantics.
func (c *Client) StoreSecrets(ctx context.Context, values map[string]string) error {
	if c.config.Enabled {
		data := make(map[string]interface{}, len(values))
		for k, v := range values {
			data[k] = v
		}
		_, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), map[string]interface{}{"data": data})
		if err != nil {
			return fmt.Errorf("failed to store secrets in vault: %w", err)
		}
	}

	c.mu.Lock()
	for k, v := range values {
		c.cache[k] = v
	}
	c.mu.Unlock()
	return nil
}

// GetSecret reads one secret. The empty string with a nil error means the
// key is not set.
func (c *Client) GetSecret(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return "", fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret format")
	}

	c.mu.Lock()
	for k, v := range data {
		if s, ok := v.(string); ok {
			c.cache[k] = s
		}
	}
	c.mu.Unlock()

	return getString(data, key), nil
}

// LoadSecrets resolves the service secrets, preferring Vault over the
// configured fallbacks.
func (c *Client) LoadSecrets(ctx context.Context, fallback Secrets) (Secrets, error) {
	out := fallback

	jwt, err := c.GetSecret(ctx, KeyJWTSecret)
	if err != nil {
		return fallback, err
	}
	if jwt != "" {
		out.JWTSecret = jwt
	}

	cron, err := c.GetSecret(ctx, KeyCronSecret)
	if err != nil {
		return fallback, err
	}
	if cron != "" {
		out.CronSecret = cron
	}
	return out, nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
