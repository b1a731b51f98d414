// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings shared by the status
// surface and the websocket endpoint.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadHeaderTimeout bounds the time allowed to read request headers.
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful shutdown of the whole process.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig holds websocket transport settings.
type WebSocketConfig struct {
	// Path is the HTTP route upgraded to websocket connections.
	Path string `mapstructure:"path"`
	// WriteWait is the deadline for a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long the read side waits for any frame (including pongs).
	PongWait time.Duration `mapstructure:"pong_wait"`
	// PingInterval is how often the write side sends a ping. Must be < PongWait.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the per-connection outbox capacity, in frames.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RelayConfig holds relay core settings.
type RelayConfig struct {
	// QueueSize is the capacity of the relay's inbound event queue.
	QueueSize int `mapstructure:"queue_size"`
	// SweepInterval is how often empty rooms are swept.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// TickInterval is the physics tick period; 0 disables the tick.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// DefaultModelID is assigned to members that join without a model.
	DefaultModelID string `mapstructure:"default_model_id"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ArchiveConfig holds chat archive settings.
type ArchiveConfig struct {
	// Enabled turns on chat persistence to PostgreSQL.
	Enabled bool `mapstructure:"enabled"`
	// QueueSize is the number of chat records buffered ahead of the writer.
	QueueSize int `mapstructure:"queue_size"`
	// WriteTimeout bounds a single insert.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// HealthInterval is how often the running server pings the database.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// HealthTimeout bounds each ping. Must be below HealthInterval.
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// Validate checks all configuration invariants. The database section is only
// checked when the archive is enabled.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Archive.Enabled {
		if err := validateArchive(c.Archive); err != nil {
			errs = append(errs, err.Error())
		}
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.ReadHeaderTimeout < 0 {
		errs = append(errs, "server.read_header_timeout must not be negative")
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.PingInterval <= 0 || w.PingInterval >= w.PongWait {
		errs = append(errs, fmt.Sprintf("websocket.ping_interval must be positive and below pong_wait, got %s", w.PingInterval))
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(w.AllowedOrigins) == 0 {
		errs = append(errs, "websocket.allowed_origins must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.queue_size must be >= 1, got %d", r.QueueSize))
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, "relay.sweep_interval must be positive")
	}
	if r.TickInterval < 0 {
		errs = append(errs, "relay.tick_interval must not be negative")
	}
	if r.DefaultModelID == "" {
		errs = append(errs, "relay.default_model_id must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateArchive(a ArchiveConfig) error {
	var errs []string
	if a.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("archive.queue_size must be >= 1, got %d", a.QueueSize))
	}
	if a.WriteTimeout <= 0 {
		errs = append(errs, "archive.write_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.HealthInterval <= 0 {
		errs = append(errs, fmt.Sprintf("database.health_interval must be positive, got %s", d.HealthInterval))
	}
	if d.HealthTimeout <= 0 || d.HealthTimeout >= d.HealthInterval {
		errs = append(errs, fmt.Sprintf("database.health_timeout must be positive and below health_interval, got %s", d.HealthTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ErrNoConfigFile is wrapped when an explicitly named config file cannot be read.
var ErrNoConfigFile = errors.New("config file unreadable")

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result. An empty path skips the file
// and uses defaults plus environment.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w: %w", ErrNoConfigFile, err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with no file or environment applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honoured for hosting platforms that inject it.
	_ = v.BindEnv("server.port", "RELAY_SERVER_PORT", "PORT")

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.max_message_size", 16384)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.allowed_origins", []string{"*"})

	v.SetDefault("relay.queue_size", 1024)
	v.SetDefault("relay.sweep_interval", "5m")
	v.SetDefault("relay.tick_interval", "16ms")
	v.SetDefault("relay.default_model_id", "fire-a")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.queue_size", 512)
	v.SetDefault("archive.write_timeout", "5s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "relay")
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.health_interval", "30s")
	v.SetDefault("database.health_timeout", "5s")
}
