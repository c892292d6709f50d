// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Messaging() MessagingConfig
	Session() SessionConfig
	Auth() AuthConfig
	Sender() SenderConfig
	Recovery() RecoveryConfig
	Server() ServerConfig

	// Setters used by CLI flag overrides.
	SetMessagingTenant(tenant string)
	SetSessionHeadless(b bool)
	SetServerAddr(addr string)
}

// Config holds the entire application configuration.
// Sections are exported for viper's decoder and read through the Interface getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	MessagingCfg MessagingConfig `mapstructure:"messaging" yaml:"messaging"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	AuthCfg      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	SenderCfg    SenderConfig    `mapstructure:"sender" yaml:"sender"`
	RecoveryCfg  RecoveryConfig  `mapstructure:"recovery" yaml:"recovery"`
	ServerCfg    ServerConfig    `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Messaging() MessagingConfig { return c.MessagingCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Auth() AuthConfig           { return c.AuthCfg }
func (c *Config) Sender() SenderConfig       { return c.SenderCfg }
func (c *Config) Recovery() RecoveryConfig   { return c.RecoveryCfg }
func (c *Config) Server() ServerConfig       { return c.ServerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetMessagingTenant(tenant string) { c.MessagingCfg.Tenant = tenant }
func (c *Config) SetSessionHeadless(b bool)        { c.SessionCfg.Headless = b }
func (c *Config) SetServerAddr(addr string)        { c.ServerCfg.Addr = addr }

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

// DatabaseConfig holds the database connection details for the outbound queue.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MessagingConfig describes the messaging surface and the queue drain policy.
type MessagingConfig struct {
	Tenant             string  `mapstructure:"tenant" yaml:"tenant"`
	SurfaceURL         string  `mapstructure:"surface_url" yaml:"surface_url"`
	DefaultCountryCode string  `mapstructure:"default_country_code" yaml:"default_country_code"`
	BatchSize          int     `mapstructure:"batch_size" yaml:"batch_size"`
	SendRatePerMinute  float64 `mapstructure:"send_rate_per_minute" yaml:"send_rate_per_minute"`
}

// SessionConfig controls how the automated browser is attached, launched and settled.
type SessionConfig struct {
	ProfileDir        string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	ControlEndpoint   string        `mapstructure:"control_endpoint" yaml:"control_endpoint"`
	AttachAttempts    int           `mapstructure:"attach_attempts" yaml:"attach_attempts"`
	AttachDelay       time.Duration `mapstructure:"attach_delay" yaml:"attach_delay"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	SettleInterval    time.Duration `mapstructure:"settle_interval" yaml:"settle_interval"`
}

// AuthConfig tunes the authentication polling and its DOM indicators.
type AuthConfig struct {
	MaxChecks       int           `mapstructure:"max_checks" yaml:"max_checks"`
	CheckInterval   time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	ReadySelectors  []string      `mapstructure:"ready_selectors" yaml:"ready_selectors"`
	LoginSelectors  []string      `mapstructure:"login_selectors" yaml:"login_selectors"`
}

// SenderConfig tunes a single message submission and its retry budget.
type SenderConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout" yaml:"selector_timeout"`
	PrefillWait     time.Duration `mapstructure:"prefill_wait" yaml:"prefill_wait"`
	PostSendWait    time.Duration `mapstructure:"post_send_wait" yaml:"post_send_wait"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	InputSelectors  []string      `mapstructure:"input_selectors" yaml:"input_selectors"`
	SendSelectors   []string      `mapstructure:"send_selectors" yaml:"send_selectors"`
}

// RecoveryConfig configures the frame-recovery supervisor.
type RecoveryConfig struct {
	Threshold int `mapstructure:"threshold" yaml:"threshold"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DrainInterval   time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
// Selector lists are left empty on purpose: the delivery package falls back to its built-in lists.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "courier")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Messaging --
	v.SetDefault("messaging.tenant", "default")
	v.SetDefault("messaging.surface_url", "https://web.whatsapp.com")
	v.SetDefault("messaging.default_country_code", "965")
	v.SetDefault("messaging.batch_size", 50)
	v.SetDefault("messaging.send_rate_per_minute", 0)

	// -- Session --
	v.SetDefault("session.profile_dir", "~/.courier/profiles")
	v.SetDefault("session.control_endpoint", "127.0.0.1:9222")
	v.SetDefault("session.attach_attempts", 3)
	v.SetDefault("session.attach_delay", "1s")
	v.SetDefault("session.headless", false)
	v.SetDefault("session.viewport_width", 1280)
	v.SetDefault("session.viewport_height", 800)
	v.SetDefault("session.navigation_timeout", "60s")
	v.SetDefault("session.settle_interval", "5s")

	// -- Auth --
	v.SetDefault("auth.max_checks", 5)
	v.SetDefault("auth.check_interval", "2s")

	// -- Sender --
	v.SetDefault("sender.max_attempts", 3)
	v.SetDefault("sender.selector_timeout", "10s")
	v.SetDefault("sender.prefill_wait", "2s")
	v.SetDefault("sender.post_send_wait", "3s")
	v.SetDefault("sender.retry_backoff", "2s")

	// -- Recovery --
	v.SetDefault("recovery.threshold", 3)

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:8085")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("server.drain_interval", "0s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The DSN usually carries a password, so it gets a dedicated variable.
	_ = v.BindEnv("database.url", "COURIER_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.MessagingCfg.Validate(); err != nil {
		return fmt.Errorf("messaging configuration invalid: %w", err)
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if c.AuthCfg.MaxChecks <= 0 {
		return fmt.Errorf("auth.max_checks must be a positive integer")
	}
	if c.SenderCfg.MaxAttempts <= 0 {
		return fmt.Errorf("sender.max_attempts must be a positive integer")
	}
	if c.RecoveryCfg.Threshold <= 0 {
		return fmt.Errorf("recovery.threshold must be a positive integer")
	}
	if c.ServerCfg.DrainInterval < 0 {
		return fmt.Errorf("server.drain_interval cannot be negative")
	}
	return nil
}

// Validate checks the messaging section.
func (m *MessagingConfig) Validate() error {
	if strings.TrimSpace(m.Tenant) == "" {
		return fmt.Errorf("tenant is required")
	}
	if !strings.HasPrefix(m.SurfaceURL, "https://") && !strings.HasPrefix(m.SurfaceURL, "http://") {
		return fmt.Errorf("surface_url must be an absolute http(s) URL")
	}
	if m.DefaultCountryCode == "" {
		return fmt.Errorf("default_country_code is required")
	}
	for _, r := range m.DefaultCountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("default_country_code must contain digits only, got %q", m.DefaultCountryCode)
		}
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	if m.SendRatePerMinute < 0 {
		return fmt.Errorf("send_rate_per_minute cannot be negative")
	}
	return nil
}

// Validate checks the session section.
func (s *SessionConfig) Validate() error {
	if s.ProfileDir == "" {
		return fmt.Errorf("profile_dir is required")
	}
	if s.ControlEndpoint != "" {
		if _, _, err := net.SplitHostPort(s.ControlEndpoint); err != nil {
			return fmt.Errorf("control_endpoint must be host:port: %w", err)
		}
	}
	if s.AttachAttempts < 0 {
		return fmt.Errorf("attach_attempts cannot be negative")
	}
	if s.ViewportWidth <= 0 || s.ViewportHeight <= 0 {
		return fmt.Errorf("viewport dimensions must be positive")
	}
	if s.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be a positive duration")
	}
	return nil
}
