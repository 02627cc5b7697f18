// services/branchops/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	// Requests per minute per client IP on the unauthenticated device endpoints.
	IngestRateLimit int `mapstructure:"ingest_rate_limit"`
}

// IsProduction reports whether internal error details must be hidden from clients.
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	// Events the bus rejects are kept here and replayed every ReplayInterval.
	SpoolPath      string        `mapstructure:"spool_path"`
	SpoolMaxBytes  int64         `mapstructure:"spool_max_bytes"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
}

// MQTTConfig holds MQTT broker settings for heartbeat ingestion.
// The subscriber is disabled when BrokerURL is empty.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// AuthConfig holds session token and password settings.
type AuthConfig struct {
	JWTSecret              string        `mapstructure:"jwt_secret"`
	TokenTTL               time.Duration `mapstructure:"token_ttl"`
	ResetTokenTTL          time.Duration `mapstructure:"reset_token_ttl"`
	BcryptCost             int           `mapstructure:"bcrypt_cost"`
	BootstrapAdminUsername string        `mapstructure:"bootstrap_admin_username"`
	BootstrapAdminPassword string        `mapstructure:"bootstrap_admin_password"`
}

// StorageConfig holds settings for uploaded audio files.
type StorageConfig struct {
	AudioPath      string `mapstructure:"audio_path"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// HeartbeatConfig holds the thresholds used to derive device status.
type HeartbeatConfig struct {
	OnlineWithin      time.Duration `mapstructure:"online_within"`
	ProblematicWithin time.Duration `mapstructure:"problematic_within"`
	Interval          time.Duration `mapstructure:"interval"`
	UptimeWindow      time.Duration `mapstructure:"uptime_window"`
	KnownDeviceCache  int           `mapstructure:"known_device_cache"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BRANCHOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; env vars and defaults apply.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the settings that have no safe default.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 && c.Server.IsProduction() {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
	}
	if c.Heartbeat.OnlineWithin <= 0 || c.Heartbeat.ProblematicWithin <= c.Heartbeat.OnlineWithin {
		return fmt.Errorf("heartbeat thresholds must satisfy 0 < online_within < problematic_within")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a real default are still registered so AutomaticEnv can fill them.
	for _, key := range []string{
		"database.dsn",
		"redis.password",
		"service_bus.connection_string",
		"mqtt.broker_url",
		"mqtt.username",
		"mqtt.password",
		"auth.jwt_secret",
		"auth.bootstrap_admin_password",
		"telemetry.otlp_endpoint",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.ingest_rate_limit", 120)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("service_bus.queue_name", "branchops-events")
	v.SetDefault("service_bus.failure_threshold", 5)
	v.SetDefault("service_bus.open_timeout", "30s")
	v.SetDefault("service_bus.spool_path", "./data/event-spool.jsonl")
	v.SetDefault("service_bus.spool_max_bytes", 104857600) // 100MB
	v.SetDefault("service_bus.max_attempts", 10)
	v.SetDefault("service_bus.replay_interval", "1m")

	v.SetDefault("mqtt.client_id", "branchops")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"branchops/heartbeat/#"})
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.reset_token_ttl", "30m")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.bootstrap_admin_username", "admin")

	v.SetDefault("storage.audio_path", "./data/audio")
	v.SetDefault("storage.max_upload_bytes", 52428800) // 50MB

	v.SetDefault("heartbeat.online_within", "5m")
	v.SetDefault("heartbeat.problematic_within", "15m")
	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.uptime_window", "24h")
	v.SetDefault("heartbeat.known_device_cache", 4096)

	v.SetDefault("telemetry.service_name", "branchops")

	v.SetDefault("log.level", "info")
}
