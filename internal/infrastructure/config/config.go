// Package config loads the daemon configuration: defaults first, then
// the YAML file, then environment variables, with validation at the
// end. Configuration is read once at startup; nothing here is meant
// for concurrent mutation afterwards.
//
// Secrets (broker passwords, API tokens) belong in environment
// variables rather than in the file. Keep the file itself at mode
// 0600; it still names internal endpoints.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML document.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this hub installation to the relay service.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// CloudConfig contains relay service connection settings.
type CloudConfig struct {
	// RelayURL is the WebSocket endpoint for the command relay channel.
	RelayURL string `yaml:"relay_url"`

	// ReportStateURL is the WebSocket endpoint for the state reporting channel.
	ReportStateURL string `yaml:"report_state_url"`

	// RequireSubscription gates the relay channel on an active subscription.
	// When true and the subscription has lapsed, the client stops retrying
	// and notifies the user instead.
	RequireSubscription bool `yaml:"require_subscription"`

	// PingInterval is the idle time (seconds) before a keepalive ping is sent.
	PingInterval int `yaml:"ping_interval"`

	// PongTimeout is the additional time (seconds) to wait for a pong before
	// the connection is considered dead.
	PongTimeout int `yaml:"pong_timeout"`
}

// AuthConfig contains cloud session token settings.
type AuthConfig struct {
	// TokenURL is the HTTP endpoint used to refresh the access token.
	TokenURL string `yaml:"token_url"`

	// RefreshAhead is how long (seconds) before expiry a token refresh
	// is attempted.
	RefreshAhead int `yaml:"refresh_ahead"`
}

// DatabaseConfig holds the SQLite settings passed to the database
// package.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig describes the connection to the site broker.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig locates the broker itself.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig carries broker credentials. Usually set through the
// environment, not the file.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig tunes the paho reconnect behaviour. Delays are
// in seconds; MaxAttempts zero means retry forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig holds the local status API listener settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig holds the HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig configures optional relay history recording.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig selects log level, format and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path, layers environment overrides on
// top and validates the result. Environment variables follow the
// pattern GRAYLOGIC_CLOUD_SECTION_KEY, for example
// GRAYLOGIC_CLOUD_DATABASE_PATH.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaults returns the baseline configuration the file and environment
// are layered onto.
func defaults() *Config {
	var cfg Config

	cfg.Instance = InstanceConfig{ID: "hub-001", Name: "Gray Logic Hub"}

	cfg.Cloud = CloudConfig{
		RelayURL:            "wss://relay.graylogic.cloud/ws",
		ReportStateURL:      "wss://reportstate.graylogic.cloud/v1",
		RequireSubscription: true,
		PingInterval:        55,
		PongTimeout:         15,
	}

	cfg.Auth = AuthConfig{
		TokenURL:     "https://accounts.graylogic.cloud/oauth/token",
		RefreshAhead: 300,
	}

	cfg.Database = DatabaseConfig{
		Path:        "./data/cloudlink.db",
		WALMode:     true,
		BusyTimeout: 5,
	}

	cfg.MQTT = MQTTConfig{
		Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "graylogic-cloud"},
		QoS:       1,
		Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
	}

	cfg.API = APIConfig{
		Host:     "127.0.0.1",
		Port:     8090,
		Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
	}

	cfg.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}

	return &cfg
}

// applyEnv overlays environment variables onto the configuration.
// Only string settings can be overridden this way; it exists chiefly
// so credentials stay out of the YAML file.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"GRAYLOGIC_CLOUD_INSTANCE_ID":      &cfg.Instance.ID,
		"GRAYLOGIC_CLOUD_RELAY_URL":        &cfg.Cloud.RelayURL,
		"GRAYLOGIC_CLOUD_REPORT_STATE_URL": &cfg.Cloud.ReportStateURL,
		"GRAYLOGIC_CLOUD_TOKEN_URL":        &cfg.Auth.TokenURL,
		"GRAYLOGIC_CLOUD_DATABASE_PATH":    &cfg.Database.Path,
		"GRAYLOGIC_CLOUD_MQTT_HOST":        &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_CLOUD_MQTT_USERNAME":    &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_CLOUD_MQTT_PASSWORD":    &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_CLOUD_API_HOST":         &cfg.API.Host,
		"GRAYLOGIC_CLOUD_INFLUXDB_TOKEN":   &cfg.InfluxDB.Token,
	}
	for name, field := range overrides {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}
}

// Validate checks the configuration and reports every problem at once
// so an operator can fix the file in a single pass.
func (c *Config) Validate() error {
	var problems []string
	note := func(msg string) { problems = append(problems, msg) }

	if c.Instance.ID == "" {
		note("instance.id is required")
	}

	switch {
	case c.Cloud.RelayURL == "":
		note("cloud.relay_url is required")
	case !websocketURL(c.Cloud.RelayURL):
		note("cloud.relay_url must use ws:// or wss://")
	}
	if c.Cloud.ReportStateURL != "" && !websocketURL(c.Cloud.ReportStateURL) {
		note("cloud.report_state_url must use ws:// or wss://")
	}
	if c.Cloud.PingInterval <= 0 {
		note("cloud.ping_interval must be positive")
	}
	if c.Cloud.PongTimeout <= 0 {
		note("cloud.pong_timeout must be positive")
	}

	if c.Auth.TokenURL == "" {
		note("auth.token_url is required")
	}
	if c.Database.Path == "" {
		note("database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		note("mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		note("api.port must be between 1 and 65535")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
}

// websocketURL reports whether the URL uses a WebSocket scheme.
func websocketURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// seconds converts a whole-second setting to a Duration.
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// GetPingInterval returns the relay keepalive ping interval.
func (c *Config) GetPingInterval() time.Duration { return seconds(c.Cloud.PingInterval) }

// GetPongTimeout returns the relay pong wait.
func (c *Config) GetPongTimeout() time.Duration { return seconds(c.Cloud.PongTimeout) }

// GetRefreshAhead returns the token refresh lead time.
func (c *Config) GetRefreshAhead() time.Duration { return seconds(c.Auth.RefreshAhead) }

// GetReadTimeout returns the API read timeout.
func (c *Config) GetReadTimeout() time.Duration { return seconds(c.API.Timeouts.Read) }

// GetWriteTimeout returns the API write timeout.
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }

// GetIdleTimeout returns the API idle timeout.
func (c *Config) GetIdleTimeout() time.Duration { return seconds(c.API.Timeouts.Idle) }
