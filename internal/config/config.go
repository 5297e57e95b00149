// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Values are resolved with
// the usual viper precedence: defaults, then config file, then environment
// (ZAPMCP_ prefix), then bound CLI flags.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
	Monitor  MonitorConfig  `mapstructure:"monitor" yaml:"monitor"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Scan gets its marching orders from CLI flags, not the config file.
	Scan ScanConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig tunes the protocol server.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// MaxPort bounds the upward scan when Port is already taken.
	MaxPort int `mapstructure:"max_port" yaml:"max_port"`
	// PortFile is the well-known record of the last bound port, read by
	// clients before connecting.
	PortFile        string        `mapstructure:"port_file" yaml:"port_file"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EngineConfig describes how to reach the ZAP instance and how jobs are tuned.
type EngineConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ReadyRetries   int           `mapstructure:"ready_retries" yaml:"ready_retries"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval" yaml:"ready_interval"`
	// RateLimit caps outbound API calls per second; Burst is the bucket size.
	RateLimit float64      `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int          `mapstructure:"burst" yaml:"burst"`
	Spider    SpiderConfig `mapstructure:"spider" yaml:"spider"`
	Active    ActiveConfig `mapstructure:"active" yaml:"active"`
}

// SpiderConfig tunes discovery jobs.
type SpiderConfig struct {
	MaxDepth    int `mapstructure:"max_depth" yaml:"max_depth"`
	ThreadCount int `mapstructure:"thread_count" yaml:"thread_count"`
}

// ActiveConfig tunes probing jobs.
type ActiveConfig struct {
	ThreadsPerHost int    `mapstructure:"threads_per_host" yaml:"threads_per_host"`
	HostsPerScan   int    `mapstructure:"hosts_per_scan" yaml:"hosts_per_scan"`
	AttackStrength string `mapstructure:"attack_strength" yaml:"attack_strength"`
	AlertThreshold string `mapstructure:"alert_threshold" yaml:"alert_threshold"`
}

// ClientConfig tunes the protocol client.
type ClientConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the fallback when the port file is absent.
	Port             int           `mapstructure:"port" yaml:"port"`
	PortFile         string        `mapstructure:"port_file" yaml:"port_file"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MonitorConfig bounds the reconnect-and-resume loop around subscriptions.
type MonitorConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// NotifyConfig configures the high-risk finding notifier. An empty webhook
// URL disables notifications entirely.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	MinRisk    string        `mapstructure:"min_risk" yaml:"min_risk"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig holds the optional scan-history store connection. An empty
// URL disables persistence; everything else keeps working.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScanConfig holds settings populated from CLI flags for a specific scan run.
type ScanConfig struct {
	Targets     []string
	TargetsFile string
	ScanType    string
	Concurrency int
	Format      string
	Output      string
	MinRisk     string
	Timeout     time.Duration
}

// NewDefaultConfig creates a configuration populated with default values.
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

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "zapmcp")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.max_port", 3100)
	v.SetDefault("server.port_file", ".zapmcp_port")
	v.SetDefault("server.poll_interval", "2s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Engine --
	v.SetDefault("engine.endpoint", "http://localhost:8080")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.request_timeout", "30s")
	v.SetDefault("engine.ready_retries", 10)
	v.SetDefault("engine.ready_interval", "1s")
	v.SetDefault("engine.rate_limit", 10.0)
	v.SetDefault("engine.burst", 5)
	v.SetDefault("engine.spider.max_depth", 5)
	v.SetDefault("engine.spider.thread_count", 10)
	v.SetDefault("engine.active.threads_per_host", 10)
	v.SetDefault("engine.active.hosts_per_scan", 2)
	v.SetDefault("engine.active.attack_strength", "HIGH")
	v.SetDefault("engine.active.alert_threshold", "MEDIUM")

	// -- Client --
	v.SetDefault("client.host", "localhost")
	v.SetDefault("client.port", 3000)
	v.SetDefault("client.port_file", ".zapmcp_port")
	v.SetDefault("client.handshake_timeout", "10s")
	v.SetDefault("client.poll_interval", "2s")

	// -- Monitor --
	v.SetDefault("monitor.max_retries", 3)
	v.SetDefault("monitor.retry_delay", "5s")

	// -- Notify --
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.min_risk", "high")
	v.SetDefault("notify.timeout", "10s")

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Sensitive values always come in through the environment.
	v.BindEnv("engine.api_key", "ZAPMCP_ENGINE_API_KEY")
	v.BindEnv("database.url", "ZAPMCP_DATABASE_URL")

	var cfg Config
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
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.MaxPort < c.Server.Port {
		return fmt.Errorf("server.max_port must not be below server.port")
	}
	if c.Server.PollInterval <= 0 {
		return fmt.Errorf("server.poll_interval must be a positive duration")
	}
	if c.Engine.Endpoint == "" {
		return fmt.Errorf("engine.endpoint is a required configuration field")
	}
	if !strings.HasPrefix(c.Engine.Endpoint, "http://") && !strings.HasPrefix(c.Engine.Endpoint, "https://") {
		return fmt.Errorf("engine.endpoint must be an http(s) URL")
	}
	if c.Engine.ReadyRetries <= 0 {
		return fmt.Errorf("engine.ready_retries must be a positive integer")
	}
	if c.Engine.RateLimit <= 0 {
		return fmt.Errorf("engine.rate_limit must be positive")
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be a positive duration")
	}
	if c.Monitor.MaxRetries < 0 {
		return fmt.Errorf("monitor.max_retries must not be negative")
	}
	return nil
}
