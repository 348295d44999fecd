// Package vault fetches exchange API credentials from HashiCorp Vault.
// When Vault is disabled the client serves credentials from its local cache,
// which main seeds from the environment for development.
package vault

import (
	"context"
	"fmt"
	"sync"

	"listing-sniper/config"

	"github.com/hashicorp/vault/api"
)

// Credentials represents exchange API credentials stored in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Exchange  string `json:"exchange"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
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

	return &Client{client: client, config: cfg}, nil
}

// SeedCredentials installs credentials into the local cache. Used when Vault
// is disabled and credentials come from the environment.
func (c *Client) SeedCredentials(creds Credentials) {
	c.mu.Lock()
	c.cache = &creds
	c.mu.Unlock()
}

// GetCredentials retrieves the exchange credentials, preferring the cache
func (c *Client) GetCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("exchange credentials not found and vault is disabled")
	}

	path := c.secretPath()
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials found at %s", path)
	}

	// KV v2 wraps the payload in a "data" map
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &Credentials{
		APIKey:    stringField(data, "api_key"),
		SecretKey: stringField(data, "secret_key"),
		Exchange:  stringField(data, "exchange"),
	}
	if testnet, ok := data["is_testnet"].(bool); ok {
		creds.IsTestnet = testnet
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("credentials at %s are incomplete", path)
	}

	c.mu.Lock()
	c.cache = creds
	c.mu.Unlock()

	return creds, nil
}

// InvalidateCache drops cached credentials so the next read hits Vault
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// HealthCheck verifies Vault connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
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

// secretPath builds the KV v2 read path
// Format: {mount}/data/{secret_path}
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
