package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Fossibot controller.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Polling   PollingConfig   `yaml:"polling"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AccountConfig contains the cloud account credentials.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Locale   string `yaml:"locale"`
}

// CloudConfig contains the Sydpower cloud API settings.
type CloudConfig struct {
	BaseURL      string `yaml:"base_url"`
	SpaceID      string `yaml:"space_id"`
	ClientSecret string `yaml:"client_secret"`
	Timeout      int    `yaml:"timeout"`
	Retries      int    `yaml:"retries"`
	RetryDelay   int    `yaml:"retry_delay"`
}

// StreamConfig contains the MQTT-over-WebSocket stream settings.
type StreamConfig struct {
	// FallbackEndpoint is used when endpoint discovery fails.
	FallbackEndpoint string `yaml:"fallback_endpoint"`

	// Password is the fixed broker password paired with the session token.
	Password string `yaml:"password"`

	// Namespace is prepended to every topic. Empty for the production broker.
	Namespace string `yaml:"namespace"`

	QoS              int `yaml:"qos"`
	KeepAlive        int `yaml:"keep_alive"`
	ConnectTimeout   int `yaml:"connect_timeout"`
	ResolveTimeout   int `yaml:"resolve_timeout"`
	GraceWindow      int `yaml:"grace_window"`
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`
	DedupTTL         int `yaml:"dedup_ttl"`
}

// ReconnectConfig contains reconnect backoff settings.
type ReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       float64 `yaml:"jitter"`
}

// PollingConfig contains poll and write acknowledgement settings.
type PollingConfig struct {
	Interval   int `yaml:"interval"`
	AckTimeout int `yaml:"ack_timeout"`
}

// DatabaseConfig contains SQLite settings for the command audit log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket push settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FOSSIBOT_SECTION_KEY
// For example: FOSSIBOT_ACCOUNT_USERNAME, FOSSIBOT_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			Locale: "en",
		},
		Cloud: CloudConfig{
			BaseURL:      "https://api.next.bspapp.com/client",
			SpaceID:      "mp-6c382a98-49b8-40ba-b761-645d83e8ee74",
			ClientSecret: "5rCEdl/nx7IgViBe4QYRiQ==",
			Timeout:      30,
			Retries:      3,
			RetryDelay:   2,
		},
		Stream: StreamConfig{
			FallbackEndpoint: "ws://mqtt.sydpower.com:8083/mqtt",
			Password:         "helloyou",
			QoS:              1,
			KeepAlive:        30,
			ConnectTimeout:   15,
			ResolveTimeout:   10,
			GraceWindow:      5,
			HeartbeatTimeout: 120,
			DedupTTL:         2,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 3,
			MaxDelay:     60,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Polling: PollingConfig{
			Interval:   30,
			AckTimeout: 10,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/fossibot.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8086,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FOSSIBOT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Account (prefer env over file for secrets)
	if v := os.Getenv("FOSSIBOT_ACCOUNT_USERNAME"); v != "" {
		cfg.Account.Username = v
	}
	if v := os.Getenv("FOSSIBOT_ACCOUNT_PASSWORD"); v != "" {
		cfg.Account.Password = v
	}

	// Stream
	if v := os.Getenv("FOSSIBOT_STREAM_FALLBACK_ENDPOINT"); v != "" {
		cfg.Stream.FallbackEndpoint = v
	}

	// Database
	if v := os.Getenv("FOSSIBOT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("FOSSIBOT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FOSSIBOT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Logging
	if v := os.Getenv("FOSSIBOT_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Account credentials are not checked here. Commands that talk to the cloud
// call ValidateAccount.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Cloud.BaseURL == "" {
		errs = append(errs, "cloud.base_url is required")
	}
	if c.Cloud.Retries < 1 {
		errs = append(errs, "cloud.retries must be at least 1")
	}

	if c.Stream.FallbackEndpoint == "" {
		errs = append(errs, "stream.fallback_endpoint is required")
	}
	if c.Stream.QoS < 0 || c.Stream.QoS > 2 {
		errs = append(errs, "stream.qos must be 0, 1, or 2")
	}
	if c.Stream.GraceWindow < 1 {
		errs = append(errs, "stream.grace_window must be at least 1 second")
	}

	if c.Reconnect.InitialDelay < 1 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect delays must satisfy 1 <= initial_delay <= max_delay")
	}
	if c.Reconnect.Multiplier <= 1 {
		errs = append(errs, "reconnect.multiplier must be greater than 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		errs = append(errs, "reconnect.jitter must be in [0, 1)")
	}

	if c.Polling.Interval < 1 {
		errs = append(errs, "polling.interval must be at least 1 second")
	}
	if c.Polling.AckTimeout < 1 {
		errs = append(errs, "polling.ack_timeout must be at least 1 second")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit log is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateAccount checks that cloud credentials are present.
func (c *Config) ValidateAccount() error {
	if c.Account.Username == "" || c.Account.Password == "" {
		return fmt.Errorf("account.username and account.password are required (set FOSSIBOT_ACCOUNT_USERNAME and FOSSIBOT_ACCOUNT_PASSWORD)")
	}
	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.API.Timeouts.Read)
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.API.Timeouts.Write)
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.API.Timeouts.Idle)
}

// GetPollInterval returns the poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return seconds(c.Polling.Interval)
}

// GetAckTimeout returns the write acknowledgement timeout as a Duration.
func (c *Config) GetAckTimeout() time.Duration {
	return seconds(c.Polling.AckTimeout)
}

// GetCloudTimeout returns the per-request cloud API timeout.
func (c *Config) GetCloudTimeout() time.Duration {
	return seconds(c.Cloud.Timeout)
}

// GetCloudRetryDelay returns the base delay between cloud API retries.
func (c *Config) GetCloudRetryDelay() time.Duration {
	return seconds(c.Cloud.RetryDelay)
}

// GetKeepAlive returns the broker keepalive interval.
func (s StreamConfig) GetKeepAlive() time.Duration {
	return seconds(s.KeepAlive)
}

// GetConnectTimeout returns the dial and handshake timeout.
func (s StreamConfig) GetConnectTimeout() time.Duration {
	return seconds(s.ConnectTimeout)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
