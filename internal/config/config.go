// Package config provides centralized configuration for the option
// snapshot audit engine. Configuration is loaded once per run from a
// JSON file with environment-variable overrides, validated, and then
// treated as immutable: no component reads implicit defaults mid-run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

// AppConfig is the complete run configuration.
type AppConfig struct {
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	Thresholds ThresholdConfig `json:"thresholds"`
	Session    SessionConfig   `json:"session"`
	Ingest     IngestConfig    `json:"ingest"`
	Artifacts  ArtifactConfig  `json:"artifacts"`
	Audit      AuditConfig     `json:"audit"`
	Logging    LoggingConfig   `json:"logging"`
	Retry      RetryConfig     `json:"retry"`
}

// Bounds is one (min, max) threshold pair.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ThresholdConfig maps each audited field to its bounds. Implied
// volatility is on a percentage-point scale (an IV of 42.5% is 42.5,
// not 0.425); this is the single IV convention across the engine and
// differs from the fractional convention some upstream feeds use.
type ThresholdConfig struct {
	ImpliedVol Bounds `json:"implied_vol"`
	Delta      Bounds `json:"delta"`
	Gamma      Bounds `json:"gamma"`
	Theta      Bounds `json:"theta"`
	Vega       Bounds `json:"vega"`

	PriceMin  float64 `json:"price_min"`
	VolumeMin int64   `json:"volume_min"`
	OIMin     int64   `json:"oi_min"`

	// SpreadLowFactor/SpreadHighFactor define the quote-staleness
	// tolerance band [bid*low, ask*high] for the last traded price.
	SpreadLowFactor  float64 `json:"spread_low_factor"`
	SpreadHighFactor float64 `json:"spread_high_factor"`
}

// SessionConfig defines the trading session grid the continuity
// checker audits against.
type SessionConfig struct {
	Open        string `json:"open" env:"SESSION_OPEN"`                 // "09:15"
	Close       string `json:"close" env:"SESSION_CLOSE"`               // "15:30"
	BarInterval string `json:"bar_interval" env:"SESSION_BAR_INTERVAL"` // "5m"
	Timezone    string `json:"timezone" env:"SESSION_TIMEZONE"`         // IANA name
}

// IngestConfig configures the snapshot source collaborator.
type IngestConfig struct {
	Source       string `json:"source" env:"INGEST_SOURCE"`         // "csv", "duckdb"
	Path         string `json:"path" env:"INGEST_PATH"`             // CSV file or DuckDB database
	Table        string `json:"table" env:"INGEST_TABLE"`           // DuckDB export table
	BatchSize    int    `json:"batch_size" env:"INGEST_BATCH_SIZE"` // rows per DuckDB fetch
	RatePerSec   int    `json:"rate_per_sec" env:"INGEST_RATE_PER_SEC"`
	QueryTimeout string `json:"query_timeout" env:"INGEST_QUERY_TIMEOUT"`
}

// ArtifactConfig configures where the corrected dataset, rejected
// dataset and audit report are emitted.
type ArtifactConfig struct {
	Dir           string `json:"dir" env:"ARTIFACT_DIR"`
	CorrectedFile string `json:"corrected_file" env:"ARTIFACT_CORRECTED_FILE"`
	RejectedFile  string `json:"rejected_file" env:"ARTIFACT_REJECTED_FILE"`
	ReportFile    string `json:"report_file" env:"ARTIFACT_REPORT_FILE"`
	DatabaseURL   string `json:"database_url" env:"ARTIFACT_DATABASE_URL"` // optional DuckDB store
}

// AuditConfig configures pipeline execution.
type AuditConfig struct {
	WorkerCount     int    `json:"worker_count" env:"WORKER_COUNT"`
	GracefulTimeout string `json:"graceful_timeout" env:"GRACEFUL_TIMEOUT"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"` // json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`
	ContextFields map[string]string `json:"context_fields"`
}

// RetryConfig configures ingestion retry behaviour. Only the ingestion
// boundary retries; everything inside the pipeline is deterministic
// and fail-fast.
type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	InitialDelay string `json:"initial_delay" env:"RETRY_INITIAL_DELAY"`
	MaxDelay     string `json:"max_delay" env:"RETRY_MAX_DELAY"`
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, logger: logger}
}

// Load loads configuration with priority order: environment variables,
// then the configuration file, then defaults.
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	m.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"ingest_source", config.Ingest.Source,
		"artifact_dir", config.Artifacts.Dir,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON file if it exists.
func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}

	return nil
}

// loadFromEnv overrides configuration from environment variables.
func (m *Manager) loadFromEnv(config *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}
	if val := os.Getenv("VERSION"); val != "" {
		config.Version = val
	}

	if val := os.Getenv("INGEST_SOURCE"); val != "" {
		config.Ingest.Source = val
	}
	if val := os.Getenv("INGEST_PATH"); val != "" {
		config.Ingest.Path = val
	}
	if val := os.Getenv("INGEST_TABLE"); val != "" {
		config.Ingest.Table = val
	}
	if val := os.Getenv("INGEST_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Ingest.BatchSize = n
		}
	}

	if val := os.Getenv("SESSION_OPEN"); val != "" {
		config.Session.Open = val
	}
	if val := os.Getenv("SESSION_CLOSE"); val != "" {
		config.Session.Close = val
	}
	if val := os.Getenv("SESSION_BAR_INTERVAL"); val != "" {
		config.Session.BarInterval = val
	}
	if val := os.Getenv("SESSION_TIMEZONE"); val != "" {
		config.Session.Timezone = val
	}

	if val := os.Getenv("ARTIFACT_DIR"); val != "" {
		config.Artifacts.Dir = val
	}
	if val := os.Getenv("ARTIFACT_DATABASE_URL"); val != "" {
		config.Artifacts.DatabaseURL = val
	}

	if val := os.Getenv("WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Audit.WorkerCount = n
		}
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

// Validate checks the configuration for consistency and required
// fields before a run starts.
func (c *AppConfig) Validate() error {
	var errs []string

	if c.Thresholds.ImpliedVol.Min >= c.Thresholds.ImpliedVol.Max {
		errs = append(errs, "thresholds.implied_vol min must be less than max")
	}
	for name, b := range map[string]Bounds{
		"delta": c.Thresholds.Delta,
		"gamma": c.Thresholds.Gamma,
		"theta": c.Thresholds.Theta,
		"vega":  c.Thresholds.Vega,
	} {
		if b.Min >= b.Max {
			errs = append(errs, fmt.Sprintf("thresholds.%s min must be less than max", name))
		}
	}
	if c.Thresholds.SpreadLowFactor <= 0 || c.Thresholds.SpreadLowFactor > 1 {
		errs = append(errs, "thresholds.spread_low_factor must be in (0, 1]")
	}
	if c.Thresholds.SpreadHighFactor < 1 {
		errs = append(errs, "thresholds.spread_high_factor must be at least 1")
	}

	open, openErr := ParseClock(c.Session.Open)
	if openErr != nil {
		errs = append(errs, fmt.Sprintf("session.open is not a valid HH:MM time: %v", openErr))
	}
	closeClock, closeErr := ParseClock(c.Session.Close)
	if closeErr != nil {
		errs = append(errs, fmt.Sprintf("session.close is not a valid HH:MM time: %v", closeErr))
	}
	if openErr == nil && closeErr == nil && closeClock.Minutes() <= open.Minutes() {
		errs = append(errs, "session.close must be after session.open")
	}
	if d, err := time.ParseDuration(c.Session.BarInterval); err != nil || d <= 0 {
		errs = append(errs, "session.bar_interval must be a positive duration")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("session.timezone is not a valid IANA name: %v", err))
	}

	switch c.Ingest.Source {
	case "csv", "duckdb":
	case "":
		errs = append(errs, "ingest.source is required")
	default:
		errs = append(errs, fmt.Sprintf("ingest.source must be csv or duckdb, got %q", c.Ingest.Source))
	}
	if c.Ingest.Path == "" {
		errs = append(errs, "ingest.path is required")
	}
	if c.Ingest.Source == "duckdb" && c.Ingest.Table == "" {
		errs = append(errs, "ingest.table is required for the duckdb source")
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, "ingest.batch_size must be greater than 0")
	}

	if c.Artifacts.Dir == "" {
		errs = append(errs, "artifacts.dir is required")
	}

	if c.Audit.WorkerCount <= 0 {
		errs = append(errs, "audit.worker_count must be greater than 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be greater than 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// Clock is a time of day within the trading session.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns the clock as minutes after midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses an "HH:MM" session boundary.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Location resolves the configured market timezone.
func (s SessionConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

// Interval resolves the configured bar interval.
func (s SessionConfig) Interval() (time.Duration, error) {
	return time.ParseDuration(s.BarInterval)
}

// DefaultConfig returns a configuration with sensible defaults for an
// NSE-style index options session.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "option-audit",
		Version: "1.0.0",
		Thresholds: ThresholdConfig{
			ImpliedVol:       Bounds{Min: 0, Max: 300},
			Delta:            Bounds{Min: -1.5, Max: 1.5},
			Gamma:            Bounds{Min: 0, Max: 5},
			Theta:            Bounds{Min: -1000, Max: 1000},
			Vega:             Bounds{Min: 0, Max: 1000},
			PriceMin:         0,
			VolumeMin:        0,
			OIMin:            0,
			SpreadLowFactor:  0.95,
			SpreadHighFactor: 1.05,
		},
		Session: SessionConfig{
			Open:        "09:15",
			Close:       "15:30",
			BarInterval: "5m",
			Timezone:    "Asia/Kolkata",
		},
		Ingest: IngestConfig{
			Source:       "csv",
			Path:         "./data/option_snapshots.csv",
			Table:        "option_snapshots",
			BatchSize:    10000,
			RatePerSec:   20,
			QueryTimeout: "30s",
		},
		Artifacts: ArtifactConfig{
			Dir:           "./artifacts",
			CorrectedFile: "corrected.csv",
			RejectedFile:  "rejected.csv",
			ReportFile:    "report.json",
		},
		Audit: AuditConfig{
			WorkerCount:     4,
			GracefulTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "option-audit",
				"version": "1.0.0",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: "1s",
			MaxDelay:     "30s",
		},
	}
}

// GetConfig returns the loaded configuration.
func (m *Manager) GetConfig() *AppConfig { return m.config }

// Save writes the current configuration back to the config file.
func (m *Manager) Save() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
