// Package config provides configuration loading for the bar cache CLI.
// Values are layered from defaults, an optional JSON or YAML file, an optional
// .env file and finally process environment variables, then validated once.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is wrapped by ConfigurationError when the API key or
// secret is absent.
var ErrMissingCredentials = errors.New("missing API credentials")

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Export   ExportConfig   `json:"export" yaml:"export"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// CacheConfig configures the on-disk bar cache
type CacheConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"` // Root directory holding <timeframe>/<symbol>.csv
}

// ProviderConfig configures the market-data and trading API client
type ProviderConfig struct {
	Type        string            `json:"type" yaml:"type"`               // "alpaca"
	APIKey      string            `json:"api_key" yaml:"api_key"`         // API key id
	APISecret   string            `json:"api_secret" yaml:"api_secret"`   // API secret key
	DataURL     string            `json:"data_url" yaml:"data_url"`       // Market-data base URL
	TradingURL  string            `json:"trading_url" yaml:"trading_url"` // Trading API base URL (asset catalog)
	Paper       bool              `json:"paper" yaml:"paper"`             // Use the paper trading endpoint
	RateLimit   int               `json:"rate_limit" yaml:"rate_limit"`   // Requests per minute
	Timeout     string            `json:"timeout" yaml:"timeout"`         // HTTP request timeout
	PageLimit   int               `json:"page_limit" yaml:"page_limit"`   // Bars requested per page
	RetryPolicy RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
}

// RetryPolicyConfig configures retry behavior for provider calls
type RetryPolicyConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`         // Maximum attempts including the first
	InitialDelay    string `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	BackoffStrategy string `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed or exponential
}

// StreamConfig configures the flat bar log written by the watch command
type StreamConfig struct {
	LogPath      string `json:"log_path" yaml:"log_path"`
	PollInterval string `json:"poll_interval" yaml:"poll_interval"`
}

// ExportConfig configures the export command defaults
type ExportConfig struct {
	Format    string `json:"format" yaml:"format"` // csv, json, parquet, duckdb
	OutputDir string `json:"output_dir" yaml:"output_dir"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // json, text
	Output        string            `json:"output" yaml:"output"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Rotated files kept
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// ConfigurationError lists every problem found while validating the
// configuration. It is fatal: nothing else runs when it is returned.
type ConfigurationError struct {
	Problems           []string
	MissingCredentials bool
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration validation errors:\n- %s", strings.Join(e.Problems, "\n- "))
}

// Unwrap exposes ErrMissingCredentials when credentials were absent.
func (e *ConfigurationError) Unwrap() error {
	if e.MissingCredentials {
		return ErrMissingCredentials
	}
	return nil
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	dotEnvPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// skips the file layer.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		dotEnvPath: ".env",
		logger:     logger,
	}
}

// WithDotEnv sets the .env file consulted before the environment. An empty
// path disables .env loading.
func (cm *ConfigManager) WithDotEnv(path string) *ConfigManager {
	cm.dotEnvPath = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env fills unset ones)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cm.loadFromEnv(config)

	if err := cm.validateConfig(config); err != nil {
		return nil, err
	}

	cm.config = config
	cm.logger.Debug("configuration loaded successfully",
		"config_path", cm.configPath,
		"data_dir", config.Cache.DataDir,
		"provider_type", config.Provider.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotEnv populates unset environment variables from the .env file, if any
func (cm *ConfigManager) loadDotEnv() error {
	if cm.dotEnvPath == "" {
		return nil
	}
	if _, err := os.Stat(cm.dotEnvPath); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(cm.dotEnvPath)
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) {
	if val := os.Getenv("BARCACHE_DATA_DIR"); val != "" {
		config.Cache.DataDir = val
	}

	if val := os.Getenv("ALPACA_API_KEY"); val != "" {
		config.Provider.APIKey = val
	}
	if val := os.Getenv("ALPACA_API_SECRET"); val != "" {
		config.Provider.APISecret = val
	}
	if val := os.Getenv("ALPACA_DATA_URL"); val != "" {
		config.Provider.DataURL = val
	}
	if val := os.Getenv("ALPACA_TRADING_URL"); val != "" {
		config.Provider.TradingURL = val
	}
	if val := os.Getenv("ALPACA_PAPER"); val != "" {
		config.Provider.Paper = val == "true"
	}
	if val := os.Getenv("RATE_LIMIT"); val != "" {
		if rateLimit, err := strconv.Atoi(val); err == nil {
			config.Provider.RateLimit = rateLimit
		}
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.Provider.Timeout = val
	}

	if val := os.Getenv("STREAM_LOG_PATH"); val != "" {
		config.Stream.LogPath = val
	}
	if val := os.Getenv("STREAM_POLL_INTERVAL"); val != "" {
		config.Stream.PollInterval = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	cfgErr := &ConfigurationError{}

	if config.Cache.DataDir == "" {
		cfgErr.Problems = append(cfgErr.Problems, "cache.data_dir is required")
	}

	if config.Provider.Type != "alpaca" {
		cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("provider.type %q is not supported (use: alpaca)", config.Provider.Type))
	}
	if config.Provider.APIKey == "" || config.Provider.APISecret == "" {
		cfgErr.MissingCredentials = true
		cfgErr.Problems = append(cfgErr.Problems, "provider.api_key and provider.api_secret are required (set ALPACA_API_KEY and ALPACA_API_SECRET)")
	}
	if config.Provider.RateLimit <= 0 {
		cfgErr.Problems = append(cfgErr.Problems, "provider.rate_limit must be greater than 0")
	}
	if config.Provider.PageLimit <= 0 || config.Provider.PageLimit > 10000 {
		cfgErr.Problems = append(cfgErr.Problems, "provider.page_limit must be between 1 and 10000")
	}
	if _, err := time.ParseDuration(config.Provider.Timeout); err != nil {
		cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("provider.timeout is not a valid duration: %v", err))
	}
	if config.Provider.RetryPolicy.MaxAttempts <= 0 {
		cfgErr.Problems = append(cfgErr.Problems, "provider.retry_policy.max_attempts must be greater than 0")
	}

	if _, err := time.ParseDuration(config.Stream.PollInterval); err != nil {
		cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf("stream.poll_interval is not a valid duration: %v", err))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		cfgErr.Problems = append(cfgErr.Problems, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		cfgErr.Problems = append(cfgErr.Problems, "logging.format must be one of: json, text")
	}

	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		cfgErr.Problems = append(cfgErr.Problems, "logging.file_path is required when logging.output is file")
	}

	if len(cfgErr.Problems) > 0 {
		return cfgErr
	}
	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "barcache",
		Version: "1.0.0",
		Cache: CacheConfig{
			DataDir: "./data",
		},
		Provider: ProviderConfig{
			Type:       "alpaca",
			DataURL:    "https://data.alpaca.markets",
			TradingURL: "https://paper-api.alpaca.markets",
			Paper:      true,
			RateLimit:  200,
			Timeout:    "30s",
			PageLimit:  10000,
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "500ms",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
			},
		},
		Stream: StreamConfig{
			LogPath:      "price_log.csv",
			PollInterval: "1m",
		},
		Export: ExportConfig{
			Format:    "parquet",
			OutputDir: "./exports",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "barcache",
			},
		},
	}
}

// TradingBaseURL returns the trading API root, honoring the paper flag when
// no explicit URL was configured.
func (p ProviderConfig) TradingBaseURL() string {
	if p.TradingURL != "" {
		return p.TradingURL
	}
	if p.Paper {
		return "https://paper-api.alpaca.markets"
	}
	return "https://api.alpaca.markets"
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Provider.APIKey != "" {
		sanitized.Provider.APIKey = "[REDACTED]"
	}
	if sanitized.Provider.APISecret != "" {
		sanitized.Provider.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
