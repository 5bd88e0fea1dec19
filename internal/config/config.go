// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Browser connection modes.
const (
	BrowserModeLocal  = "local"
	BrowserModeRemote = "remote"
)

// ErrLocalBrowserInProduction is returned when production is configured to launch
// a local browser process instead of connecting to the remote browser service.
var ErrLocalBrowserInProduction = errors.New("production requires browser.mode=remote with a browser.remote_url; refusing to launch a local browser")

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Environment() string
	Logger() LoggerConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Scan() ScanConfig
	AI() AIConfig
	Storage() StorageConfig
	Alerts() AlertsConfig
	Server() ServerConfig

	SetEngineWorkerConcurrency(int)
	SetBrowserHeadless(bool)
	SetScanMode(string)
	SetAIEnabled(bool)
}

// Config holds the entire application configuration. Each section is read once
// at startup and passed to components at construction time.
type Config struct {
	EnvironmentName string         `mapstructure:"environment" yaml:"environment"`
	LoggerCfg       LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig `mapstructure:"database" yaml:"database"`
	RedisCfg        RedisConfig    `mapstructure:"redis" yaml:"redis"`
	EngineCfg       EngineConfig   `mapstructure:"engine" yaml:"engine"`
	BrowserCfg      BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	ScanCfg         ScanConfig     `mapstructure:"scan" yaml:"scan"`
	AICfg           AIConfig       `mapstructure:"ai" yaml:"ai"`
	StorageCfg      StorageConfig  `mapstructure:"storage" yaml:"storage"`
	AlertsCfg       AlertsConfig   `mapstructure:"alerts" yaml:"alerts"`
	ServerCfg       ServerConfig   `mapstructure:"server" yaml:"server"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Environment() string      { return c.EnvironmentName }
func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Redis() RedisConfig       { return c.RedisCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Scan() ScanConfig         { return c.ScanCfg }
func (c *Config) AI() AIConfig             { return c.AICfg }
func (c *Config) Storage() StorageConfig   { return c.StorageCfg }
func (c *Config) Alerts() AlertsConfig     { return c.AlertsCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetScanMode(m string)             { c.ScanCfg.Mode = m }
func (c *Config) SetAIEnabled(b bool)              { c.AICfg.Enabled = b }

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.EnvironmentName, EnvProduction)
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// RedisConfig configures the Redis instance backing page locks and the rescan queue.
// An empty Addr disables Redis and selects in-process implementations.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	RescanKey string        `mapstructure:"rescan_key" yaml:"rescan_key"`
	LockTTL   time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// EngineConfig configures the scan worker pool.
type EngineConfig struct {
	QueueSize         int  `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int  `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	ShareSessions     bool `mapstructure:"share_sessions" yaml:"share_sessions"`
	// RescanPollInterval controls how often the rescan queue is drained.
	RescanPollInterval time.Duration `mapstructure:"rescan_poll_interval" yaml:"rescan_poll_interval"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Mode           string         `mapstructure:"mode" yaml:"mode"`
	RemoteURL      string         `mapstructure:"remote_url" yaml:"remote_url"`
	Headless       bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath       string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args           []string       `mapstructure:"args" yaml:"args"`
	Viewport       map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent      string         `mapstructure:"user_agent" yaml:"user_agent"`
	BlockResources bool           `mapstructure:"block_resources" yaml:"block_resources"`
}

// ScanConfig holds the timing and sizing budgets of a single scan.
type ScanConfig struct {
	Mode               string        `mapstructure:"mode" yaml:"mode"`
	PageTimeout        time.Duration `mapstructure:"page_timeout" yaml:"page_timeout"`
	NavigationRetries  int           `mapstructure:"navigation_retries" yaml:"navigation_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	NetworkIdle        time.Duration `mapstructure:"network_idle" yaml:"network_idle"`
	PartialLoadMinHTML int           `mapstructure:"partial_load_min_html" yaml:"partial_load_min_html"`
	QuickTimeout       time.Duration `mapstructure:"quick_timeout" yaml:"quick_timeout"`
	DeepTimeout        time.Duration `mapstructure:"deep_timeout" yaml:"deep_timeout"`
	EvalTimeout        time.Duration `mapstructure:"eval_timeout" yaml:"eval_timeout"`
	SettleTimeout      time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	SettleInterval     time.Duration `mapstructure:"settle_interval" yaml:"settle_interval"`
	HTMLMaxBytes       int           `mapstructure:"html_max_bytes" yaml:"html_max_bytes"`
	ConsoleMaxEntries  int           `mapstructure:"console_max_entries" yaml:"console_max_entries"`
	SlowLoadThreshold  time.Duration `mapstructure:"slow_load_threshold" yaml:"slow_load_threshold"`
	RescanDelay        time.Duration `mapstructure:"rescan_delay" yaml:"rescan_delay"`
	Fingerprint        bool          `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// TimeoutFor returns the whole-scan deadline for the given mode.
func (s ScanConfig) TimeoutFor(mode string) time.Duration {
	if mode == "deep" {
		return s.DeepTimeout
	}
	return s.QuickTimeout
}

// AIConfig configures the optional AI confirmation layer.
type AIConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MinConfidence     float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	MaxImageWidth     int           `mapstructure:"max_image_width" yaml:"max_image_width"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// StorageConfig selects the screenshot storage backend.
type StorageConfig struct {
	Backend   string      `mapstructure:"backend" yaml:"backend"`
	LocalRoot string      `mapstructure:"local_root" yaml:"local_root"`
	Minio     MinioConfig `mapstructure:"minio" yaml:"minio"`
	GCS       GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
}

// MinioConfig holds S3-compatible object store settings.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// AlertsConfig lists delivery channels.
type AlertsConfig struct {
	Channels       []string      `mapstructure:"channels" yaml:"channels"`
	WebhookURL     string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" yaml:"webhook_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pdpwatch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database / Redis --
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.rescan_key", "pdpwatch:rescans")
	v.SetDefault("redis.lock_ttl", "4m")

	// -- Engine --
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.share_sessions", false)
	v.SetDefault("engine.rescan_poll_interval", "30s")

	// -- Browser --
	v.SetDefault("browser.mode", BrowserModeLocal)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.block_resources", true)
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})

	// -- Scan --
	v.SetDefault("scan.mode", "quick")
	v.SetDefault("scan.page_timeout", "30s")
	v.SetDefault("scan.navigation_retries", 2)
	v.SetDefault("scan.retry_backoff", "2s")
	v.SetDefault("scan.network_idle", "500ms")
	v.SetDefault("scan.partial_load_min_html", 5000)
	v.SetDefault("scan.quick_timeout", "90s")
	v.SetDefault("scan.deep_timeout", "180s")
	v.SetDefault("scan.eval_timeout", "5s")
	v.SetDefault("scan.settle_timeout", "5s")
	v.SetDefault("scan.settle_interval", "100ms")
	v.SetDefault("scan.html_max_bytes", 500*1024)
	v.SetDefault("scan.console_max_entries", 200)
	v.SetDefault("scan.slow_load_threshold", "5s")
	v.SetDefault("scan.rescan_delay", "10m")
	v.SetDefault("scan.fingerprint", true)

	// -- AI --
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.timeout", "20s")
	v.SetDefault("ai.requests_per_minute", 30)
	v.SetDefault("ai.min_confidence", 0.7)
	v.SetDefault("ai.max_image_width", 1280)
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.max_tokens", 2048)

	// -- Storage --
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_root", "~/.pdpwatch/screenshots")

	// -- Alerts --
	v.SetDefault("alerts.channels", []string{"log"})
	v.SetDefault("alerts.webhook_timeout", "10s")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
}

// NewConfigFromViper unmarshals, normalizes and validates the configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("ai.api_key", "PDPWATCH_AI_API_KEY")
	_ = v.BindEnv("database.url", "PDPWATCH_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("storage.minio.secret_key", "PDPWATCH_MINIO_SECRET_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.StorageCfg.LocalRoot != "" {
		expanded, err := homedir.Expand(cfg.StorageCfg.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to expand storage.local_root: %w", err)
		}
		cfg.StorageCfg.LocalRoot = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.validate(c.IsProduction()); err != nil {
		return err
	}
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if err := c.ScanCfg.Validate(); err != nil {
		return fmt.Errorf("scan configuration invalid: %w", err)
	}
	if err := c.AICfg.Validate(); err != nil {
		return fmt.Errorf("ai configuration invalid: %w", err)
	}
	switch c.StorageCfg.Backend {
	case "local", "minio", "gcs":
	default:
		return fmt.Errorf("storage.backend must be one of local, minio, gcs (got %q)", c.StorageCfg.Backend)
	}
	return nil
}

func (b BrowserConfig) validate(production bool) error {
	switch b.Mode {
	case BrowserModeLocal:
		if production {
			return ErrLocalBrowserInProduction
		}
	case BrowserModeRemote:
		if b.RemoteURL == "" {
			if production {
				return ErrLocalBrowserInProduction
			}
			return fmt.Errorf("browser.remote_url is required when browser.mode=remote")
		}
	default:
		return fmt.Errorf("browser.mode must be %q or %q (got %q)", BrowserModeLocal, BrowserModeRemote, b.Mode)
	}
	return nil
}

// Validate checks the scan budgets.
func (s ScanConfig) Validate() error {
	if s.Mode != "quick" && s.Mode != "deep" {
		return fmt.Errorf("scan.mode must be quick or deep (got %q)", s.Mode)
	}
	if s.PageTimeout <= 0 {
		return fmt.Errorf("page_timeout must be a positive duration")
	}
	if s.NavigationRetries < 0 {
		return fmt.Errorf("navigation_retries must not be negative")
	}
	if s.QuickTimeout <= 0 || s.DeepTimeout <= 0 {
		return fmt.Errorf("quick_timeout and deep_timeout must be positive durations")
	}
	if s.DeepTimeout < s.QuickTimeout {
		return fmt.Errorf("deep_timeout must not be shorter than quick_timeout")
	}
	if s.SettleInterval <= 0 || s.SettleTimeout < s.SettleInterval {
		return fmt.Errorf("settle_interval must be positive and no longer than settle_timeout")
	}
	if s.HTMLMaxBytes <= 0 || s.ConsoleMaxEntries <= 0 {
		return fmt.Errorf("html_max_bytes and console_max_entries must be positive")
	}
	return nil
}

// Validate checks the AI settings. A disabled AI layer needs nothing else.
func (a AIConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Provider != "gemini" && a.Provider != "openai" {
		return fmt.Errorf("provider must be gemini or openai (got %q)", a.Provider)
	}
	if a.MinConfidence < 0.0 || a.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0")
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}
