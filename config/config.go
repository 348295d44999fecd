package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level application configuration
type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	FeedConfig      FeedConfig      `json:"pattern_feed"`
	BridgeConfig    BridgeConfig    `json:"bridge"`
	RiskConfig      RiskConfig      `json:"risk"`
	SafetyConfig    SafetyConfig    `json:"safety"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	CircuitConfig   CircuitConfig   `json:"circuit_breaker"`
}

// BinanceConfig holds exchange connectivity configuration
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for shared scheduler state
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for exchange credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level"`   // debug, info, warn, error
	Output  string `json:"output"`  // stdout, stderr, or file path
	Console bool   `json:"console"` // human-readable console output
}

// FeedConfig holds pattern feed connectivity configuration
type FeedConfig struct {
	Enabled           bool          `json:"enabled"`
	URL               string        `json:"url"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay"`
	ReadTimeout       time.Duration `json:"read_timeout"`
}

// BridgeConfig holds pattern-to-target bridge configuration
type BridgeConfig struct {
	OwnerID        string        `json:"owner_id"`
	MinConfidence  float64       `json:"min_confidence"`
	QuoteBudget    float64       `json:"quote_budget"`
	MaxRetries     int           `json:"max_retries"`
	TargetLifetime time.Duration `json:"target_lifetime"`
}

// RiskConfig holds risk engine configuration
type RiskConfig struct {
	ApprovalThreshold   float64 `json:"approval_threshold"`
	MaxPositionQuote    float64 `json:"max_position_quote"`
	MaxPortfolioPercent float64 `json:"max_portfolio_percent"`
	ConcentrationLimit  float64 `json:"concentration_limit"`
	MaxPortfolioRisk    float64 `json:"max_portfolio_risk"`
	PortfolioValue      float64 `json:"portfolio_value"`
}

// SafetyConfig holds safety coordinator configuration
type SafetyConfig struct {
	TickInterval          time.Duration `json:"tick_interval"`
	AutoEmergencyShutdown bool          `json:"auto_emergency_shutdown"`
}

// SchedulerConfig holds execution scheduler configuration
type SchedulerConfig struct {
	PollInterval  time.Duration `json:"poll_interval"`
	MaxConcurrent int           `json:"max_concurrent"`
	ClaimBatch    int           `json:"claim_batch"`
	CallTimeout   time.Duration `json:"call_timeout"`
	BackoffBase   time.Duration `json:"backoff_base"`
	BackoffMax    time.Duration `json:"backoff_max"`
}

// CircuitConfig holds circuit breaker configuration
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window"`
	Cooldown         time.Duration `json:"cooldown"`
}

// Load reads config.json if present and applies environment overrides.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when auth is enabled")
	}
	if !c.BinanceConfig.MockMode && c.BinanceConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("exchange credentials required: set BINANCE_API_KEY or enable vault")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"
	cfg.BinanceConfig.MockMode = getEnvOrDefault("MOCK_MODE", "false") == "true"

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "sniper")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "listing_sniper")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "listing-sniper/exchange")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.Console = getEnvOrDefault("LOG_CONSOLE", "false") == "true"

	// Pattern feed config
	cfg.FeedConfig.Enabled = getEnvOrDefault("FEED_ENABLED", "true") == "true"
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)
	cfg.FeedConfig.ReconnectInterval = getEnvDurationOrDefault("FEED_RECONNECT_INTERVAL", 2*time.Second)
	cfg.FeedConfig.MaxReconnectDelay = getEnvDurationOrDefault("FEED_MAX_RECONNECT_DELAY", time.Minute)
	cfg.FeedConfig.ReadTimeout = getEnvDurationOrDefault("FEED_READ_TIMEOUT", 90*time.Second)

	// Bridge config
	cfg.BridgeConfig.OwnerID = getEnvOrDefault("BRIDGE_OWNER_ID", "system")
	cfg.BridgeConfig.MinConfidence = getEnvFloatOrDefault("BRIDGE_MIN_CONFIDENCE", 70)
	cfg.BridgeConfig.QuoteBudget = getEnvFloatOrDefault("BRIDGE_QUOTE_BUDGET", 500)
	cfg.BridgeConfig.MaxRetries = getEnvIntOrDefault("BRIDGE_MAX_RETRIES", 3)
	cfg.BridgeConfig.TargetLifetime = getEnvDurationOrDefault("BRIDGE_TARGET_LIFETIME", 24*time.Hour)

	// Risk config
	cfg.RiskConfig.ApprovalThreshold = getEnvFloatOrDefault("RISK_APPROVAL_THRESHOLD", 75)
	cfg.RiskConfig.MaxPositionQuote = getEnvFloatOrDefault("RISK_MAX_POSITION_QUOTE", 10000)
	cfg.RiskConfig.MaxPortfolioPercent = getEnvFloatOrDefault("RISK_MAX_PORTFOLIO_PERCENT", 10)
	cfg.RiskConfig.ConcentrationLimit = getEnvFloatOrDefault("RISK_CONCENTRATION_LIMIT", 40)
	cfg.RiskConfig.MaxPortfolioRisk = getEnvFloatOrDefault("RISK_MAX_PORTFOLIO_RISK", 15)
	cfg.RiskConfig.PortfolioValue = getEnvFloatOrDefault("RISK_PORTFOLIO_VALUE", 0)

	// Safety config
	cfg.SafetyConfig.TickInterval = getEnvDurationOrDefault("SAFETY_TICK_INTERVAL", 5*time.Second)
	cfg.SafetyConfig.AutoEmergencyShutdown = getEnvOrDefault("SAFETY_AUTO_EMERGENCY_SHUTDOWN", "true") == "true"

	// Scheduler config
	cfg.SchedulerConfig.PollInterval = getEnvDurationOrDefault("SCHEDULER_POLL_INTERVAL", time.Second)
	cfg.SchedulerConfig.MaxConcurrent = getEnvIntOrDefault("SCHEDULER_MAX_CONCURRENT", 4)
	cfg.SchedulerConfig.ClaimBatch = getEnvIntOrDefault("SCHEDULER_CLAIM_BATCH", 10)
	cfg.SchedulerConfig.CallTimeout = getEnvDurationOrDefault("SCHEDULER_CALL_TIMEOUT", 10*time.Second)
	cfg.SchedulerConfig.BackoffBase = getEnvDurationOrDefault("SCHEDULER_BACKOFF_BASE", 2*time.Second)
	cfg.SchedulerConfig.BackoffMax = getEnvDurationOrDefault("SCHEDULER_BACKOFF_MAX", 5*time.Minute)

	// Circuit breaker config
	cfg.CircuitConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	cfg.CircuitConfig.FailureWindow = getEnvDurationOrDefault("CIRCUIT_FAILURE_WINDOW", time.Minute)
	cfg.CircuitConfig.Cooldown = getEnvDurationOrDefault("CIRCUIT_COOLDOWN", 30*time.Second)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
