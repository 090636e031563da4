// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Venue       VenueConfig       `yaml:"venue"`
	Proxies     ProxyConfig       `yaml:"proxies"`
	Timing      TimingConfig      `yaml:"timing"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	System      SystemConfig      `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	DatabasePath string `yaml:"database_path"`
	VaultPath    string `yaml:"vault_path"`
}

// VenueConfig contains venue endpoint settings. Live and test endpoints are
// both configured; each bot selects one by its test-mode flag.
type VenueConfig struct {
	LiveRESTURL    string `yaml:"live_rest_url"`
	LiveStreamURL  string `yaml:"live_stream_url"`
	TestRESTURL    string `yaml:"test_rest_url"`
	TestStreamURL  string `yaml:"test_stream_url"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	RecvWindow     int    `yaml:"recv_window"`     // milliseconds
}

// ProxyConfig contains egress proxy pool settings
type ProxyConfig struct {
	Endpoints       []string `yaml:"endpoints"`
	CooldownInitial int      `yaml:"cooldown_initial"` // seconds
	CooldownMax     int      `yaml:"cooldown_max"`     // seconds
}

// TimingConfig contains interval settings, in seconds
type TimingConfig struct {
	ClockSyncInterval          int `yaml:"clock_sync_interval" validate:"min=10,max=3600"`
	ReconcileInterval          int `yaml:"reconcile_interval" validate:"min=5,max=3600"`
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval" validate:"min=60,max=3600"`
	SymbolCacheTTL             int `yaml:"symbol_cache_ttl" validate:"min=60,max=86400"`
	ShutdownGrace              int `yaml:"shutdown_grace" validate:"min=1,max=300"`
}

// OracleConfig contains parameter advisory defaults
type OracleConfig struct {
	KlineInterval  string  `yaml:"kline_interval" validate:"oneof=15m 1h 4h 1d"`
	KlineLimit     int     `yaml:"kline_limit" validate:"min=10,max=500"`
	FallbackBand   float64 `yaml:"fallback_band" validate:"min=0.1,max=50"`   // percent around spot
	FallbackLevels int     `yaml:"fallback_levels" validate:"min=2,max=200"`  // rung count
	FallbackProfit float64 `yaml:"fallback_profit" validate:"min=0.1,max=10"` // percent per rung
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	IngestPoolSize   int `yaml:"ingest_pool_size" validate:"min=1,max=100"`
	IngestPoolBuffer int `yaml:"ingest_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Venue.RequestTimeout == 0 {
		c.Venue.RequestTimeout = 10
	}
	if c.Venue.RecvWindow == 0 {
		c.Venue.RecvWindow = 5000
	}
	if c.Proxies.CooldownInitial == 0 {
		c.Proxies.CooldownInitial = 30
	}
	if c.Proxies.CooldownMax == 0 {
		c.Proxies.CooldownMax = 300
	}
	if c.Timing.ClockSyncInterval == 0 {
		c.Timing.ClockSyncInterval = 300
	}
	if c.Timing.ReconcileInterval == 0 {
		c.Timing.ReconcileInterval = 60
	}
	if c.Timing.ListenKeyKeepaliveInterval == 0 {
		c.Timing.ListenKeyKeepaliveInterval = 1800
	}
	if c.Timing.SymbolCacheTTL == 0 {
		c.Timing.SymbolCacheTTL = 3600
	}
	if c.Timing.ShutdownGrace == 0 {
		c.Timing.ShutdownGrace = 30
	}
	if c.Oracle.KlineInterval == "" {
		c.Oracle.KlineInterval = "1h"
	}
	if c.Oracle.KlineLimit == 0 {
		c.Oracle.KlineLimit = 168
	}
	if c.Oracle.FallbackBand == 0 {
		c.Oracle.FallbackBand = 5.0
	}
	if c.Oracle.FallbackLevels == 0 {
		c.Oracle.FallbackLevels = 11
	}
	if c.Oracle.FallbackProfit == 0 {
		c.Oracle.FallbackProfit = 1.0
	}
	if c.Concurrency.IngestPoolSize == 0 {
		c.Concurrency.IngestPoolSize = 8
	}
	if c.Concurrency.IngestPoolBuffer == 0 {
		c.Concurrency.IngestPoolBuffer = 1000
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenueConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTimingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateOracleConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.DatabasePath == "" {
		return ValidationError{
			Field:   "app.database_path",
			Message: "database path is required",
		}
	}
	if c.App.VaultPath == "" {
		return ValidationError{
			Field:   "app.vault_path",
			Message: "vault path is required",
		}
	}
	return nil
}

func (c *Config) validateVenueConfig() error {
	if c.Venue.LiveRESTURL == "" {
		return ValidationError{
			Field:   "venue.live_rest_url",
			Message: "live REST URL is required",
		}
	}
	if c.Venue.LiveStreamURL == "" {
		return ValidationError{
			Field:   "venue.live_stream_url",
			Message: "live stream URL is required",
		}
	}
	if c.Venue.RecvWindow < 1000 || c.Venue.RecvWindow > 60000 {
		return ValidationError{
			Field:   "venue.recv_window",
			Value:   c.Venue.RecvWindow,
			Message: "must be between 1000 and 60000 milliseconds",
		}
	}
	return nil
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.ReconcileInterval < 5 {
		return ValidationError{
			Field:   "timing.reconcile_interval",
			Value:   c.Timing.ReconcileInterval,
			Message: "must be at least 5 seconds",
		}
	}
	return nil
}

func (c *Config) validateOracleConfig() error {
	validIntervals := []string{"15m", "1h", "4h", "1d"}
	if !contains(validIntervals, c.Oracle.KlineInterval) {
		return ValidationError{
			Field:   "oracle.kline_interval",
			Value:   c.Oracle.KlineInterval,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validIntervals, ", ")),
		}
	}
	if c.Oracle.FallbackLevels < 2 {
		return ValidationError{
			Field:   "oracle.fallback_levels",
			Value:   c.Oracle.FallbackLevels,
			Message: "a grid needs at least 2 levels",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// RESTBaseURL returns the REST endpoint for the given mode
func (c *VenueConfig) RESTBaseURL(testMode bool) string {
	if testMode && c.TestRESTURL != "" {
		return c.TestRESTURL
	}
	return c.LiveRESTURL
}

// StreamBaseURL returns the stream endpoint for the given mode
func (c *VenueConfig) StreamBaseURL(testMode bool) string {
	if testMode && c.TestStreamURL != "" {
		return c.TestStreamURL
	}
	return c.LiveStreamURL
}

// RequestTimeoutDuration returns the request timeout as a duration
func (c *VenueConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			DatabasePath: "grid_engine.db",
			VaultPath:    "vault.yaml",
		},
		Venue: VenueConfig{
			LiveRESTURL:   "https://api.binance.com",
			LiveStreamURL: "wss://stream.binance.com:9443",
			TestRESTURL:   "https://testnet.binance.vision",
			TestStreamURL: "wss://stream.testnet.binance.vision",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
