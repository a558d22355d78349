package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"atmosync/internal/auth"

	"github.com/joho/godotenv"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config represents the application configuration
type Config struct {
	Client    ClientConfig    `json:"client"`
	Token     TokenConfig     `json:"token"`
	Database  DatabaseConfig  `json:"database"`
	Sync      SyncConfig      `json:"sync"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Breaker   BreakerConfig   `json:"breaker"`
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
}

// ClientConfig contains the OAuth application and account settings
type ClientConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	Scopes       []string `json:"scopes"`
	TokenURL     string   `json:"token_url"`
	BaseURL      string   `json:"base_url"`
}

// TokenConfig contains token persistence settings
type TokenConfig struct {
	Path string `json:"path"` // empty disables persistence
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SyncConfig contains periodic sync settings
type SyncConfig struct {
	Interval          string `json:"interval"`
	ReconcileEvery    int    `json:"reconcile_every"`
	RequestLimit      int    `json:"request_limit"`
	MinUpdateInterval string `json:"min_update_interval"`
	Timeout           string `json:"timeout"`
	DeviceID          string `json:"device_id"`
	GetFavorites      *bool  `json:"get_favorites"`
}

// RateLimitConfig contains outbound call pacing settings
type RateLimitConfig struct {
	Interval string `json:"interval"` // "0s" disables pacing
	Timeout  string `json:"timeout"`  // per HTTP call
}

// BreakerConfig contains circuit breaker settings
type BreakerConfig struct {
	MaxFailures uint32 `json:"max_failures"`
	Timeout     string `json:"timeout"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ServerConfig contains the read-only HTTP API settings
type ServerConfig struct {
	Addr   string `json:"addr"` // empty disables the server
	APIKey string `json:"api_key"`
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Client.ClientID == "" || c.Client.ClientSecret == "" {
		return fmt.Errorf("%w: client id and secret are required", ErrInvalidConfig)
	}

	if _, err := auth.ParseScopeSet(c.Client.Scopes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	if c.Sync.RequestLimit < 0 {
		return fmt.Errorf("%w: request limit must not be negative", ErrInvalidConfig)
	}
	if c.Sync.ReconcileEvery < 0 {
		return fmt.Errorf("%w: reconcile_every must not be negative", ErrInvalidConfig)
	}

	if c.Sync.Interval == "" {
		c.Sync.Interval = "15m"
	}
	if c.RateLimit.Interval == "" {
		c.RateLimit.Interval = "1s"
	}
	if c.RateLimit.Timeout == "" {
		c.RateLimit.Timeout = "30s"
	}
	if c.Breaker.Timeout == "" {
		c.Breaker.Timeout = "1m"
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for name, value := range map[string]string{
		"sync.interval":            c.Sync.Interval,
		"sync.min_update_interval": c.Sync.MinUpdateInterval,
		"sync.timeout":             c.Sync.Timeout,
		"rate_limit.interval":      c.RateLimit.Interval,
		"rate_limit.timeout":       c.RateLimit.Timeout,
		"breaker.timeout":          c.Breaker.Timeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}

	if d, _ := parseDuration(c.Sync.Interval); d <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", ErrInvalidConfig)
	}

	return nil
}

// ScopeSet returns the configured scopes in canonical order
func (c *Config) ScopeSet() auth.ScopeSet {
	set, _ := auth.ParseScopeSet(c.Client.Scopes)
	return set
}

// SyncInterval returns the time between scheduled passes
func (c *Config) SyncInterval() time.Duration {
	d, _ := parseDuration(c.Sync.Interval)
	return d
}

// MinUpdateInterval returns the minimum age of a module's newest row before it is queried again
func (c *Config) MinUpdateInterval() time.Duration {
	d, _ := parseDuration(c.Sync.MinUpdateInterval)
	return d
}

// SyncTimeout returns the upper bound of one scheduled pass
func (c *Config) SyncTimeout() time.Duration {
	d, _ := parseDuration(c.Sync.Timeout)
	return d
}

// RateLimitInterval returns the minimum spacing of outbound calls
func (c *Config) RateLimitInterval() time.Duration {
	d, _ := parseDuration(c.RateLimit.Interval)
	return d
}

// HTTPTimeout returns the per-call HTTP timeout
func (c *Config) HTTPTimeout() time.Duration {
	d, _ := parseDuration(c.RateLimit.Timeout)
	return d
}

// BreakerTimeout returns how long an open breaker rejects calls
func (c *Config) BreakerTimeout() time.Duration {
	d, _ := parseDuration(c.Breaker.Timeout)
	return d
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables. Variables
// from a .env file in the working directory are applied first when present;
// variables already set in the environment win.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	config := &Config{
		Client: ClientConfig{
			ClientID:     getEnv("ATMOSYNC_CLIENT_ID", ""),
			ClientSecret: getEnv("ATMOSYNC_CLIENT_SECRET", ""),
			Username:     getEnv("ATMOSYNC_USERNAME", ""),
			Password:     getEnv("ATMOSYNC_PASSWORD", ""),
			Scopes:       getEnvList("ATMOSYNC_SCOPES"),
			TokenURL:     getEnv("ATMOSYNC_TOKEN_URL", auth.DefaultTokenURL),
			BaseURL:      getEnv("ATMOSYNC_BASE_URL", ""),
		},
		Token: TokenConfig{
			Path: getEnv("ATMOSYNC_TOKEN_PATH", "./token.yaml"),
		},
		Database: DatabaseConfig{
			Path: getEnv("ATMOSYNC_DB_PATH", "./atmosync.db"),
		},
		Sync: SyncConfig{
			Interval:          getEnv("ATMOSYNC_SYNC_INTERVAL", "15m"),
			ReconcileEvery:    getEnvInt("ATMOSYNC_RECONCILE_EVERY", 0),
			RequestLimit:      getEnvInt("ATMOSYNC_REQUEST_LIMIT", 0),
			MinUpdateInterval: getEnv("ATMOSYNC_MIN_UPDATE_INTERVAL", ""),
			Timeout:           getEnv("ATMOSYNC_SYNC_TIMEOUT", ""),
			DeviceID:          getEnv("ATMOSYNC_DEVICE_ID", ""),
			GetFavorites:      getEnvBoolPtr("ATMOSYNC_GET_FAVORITES"),
		},
		RateLimit: RateLimitConfig{
			Interval: getEnv("ATMOSYNC_RATE_LIMIT_INTERVAL", "1s"),
			Timeout:  getEnv("ATMOSYNC_HTTP_TIMEOUT", "30s"),
		},
		Breaker: BreakerConfig{
			MaxFailures: uint32(getEnvInt("ATMOSYNC_BREAKER_MAX_FAILURES", 5)),
			Timeout:     getEnv("ATMOSYNC_BREAKER_TIMEOUT", "1m"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("ATMOSYNC_LOG_LEVEL", "info"),
			Format: getEnv("ATMOSYNC_LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Addr:   getEnv("ATMOSYNC_HTTP_ADDR", ""),
			APIKey: getEnv("ATMOSYNC_API_KEY", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

func getEnvBoolPtr(key string) *bool {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b := value == "true" || value == "1"
	return &b
}

// getEnvList splits a comma or space separated variable
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
