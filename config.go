package gameclient

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/adapter"
	"github.com/adred-codev/gameclient/pkg/codec"
	"github.com/adred-codev/gameclient/pkg/errs"
)

// Config holds all client configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server endpoint
	ServerLanguage string `env:"SERVER_LANGUAGE" envDefault:"a"`
	ServerIP       string `env:"SERVER_IP" envDefault:"localhost"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"3000"`
	ServerUseSSL   bool   `env:"SERVER_USE_SSL" envDefault:"false"`

	// Wire format for row payloads: text (JSON) or binary (CBOR).
	Protocol string `env:"PROTOCOL" envDefault:"text"`

	// Transport selects the wire: "websocket" direct to the server, or
	// "nats" through a broker fronting it.
	Transport string `env:"TRANSPORT" envDefault:"websocket"`
	NATSUrl   string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Connection behavior
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"30s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"2s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`

	// Identity
	IdentityName string `env:"DB_IDENTITY" envDefault:"default"`
	IdentityDir  string `env:"IDENTITY_DIR"` // default ~/.gameclient/identities

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, loading is
// silent.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	const op = "config.load"

	// .env is a development convenience; deployments set real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	const op = "config.validate"

	if _, err := adapter.ParseDialect(c.ServerLanguage); err != nil {
		return err
	}
	if _, err := codec.ParseFormat(c.Protocol); err != nil {
		return err
	}
	if c.Transport != "websocket" && c.Transport != "nats" {
		return errs.New(errs.KindConfig, op, "TRANSPORT must be websocket or nats (got: %s)", c.Transport)
	}
	if c.Transport == "nats" && c.NATSUrl == "" {
		return errs.New(errs.KindConfig, op, "NATS_URL is required for the nats transport")
	}
	if c.ServerIP == "" {
		return errs.New(errs.KindConfig, op, "SERVER_IP is required")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return errs.New(errs.KindConfig, op, "SERVER_PORT must be 1-65535, got %d", c.ServerPort)
	}
	if c.ConnectionTimeout <= 0 {
		return errs.New(errs.KindConfig, op, "CONNECTION_TIMEOUT must be > 0, got %s", c.ConnectionTimeout)
	}
	if c.ReconnectAttempts < 0 {
		return errs.New(errs.KindConfig, op, "RECONNECT_ATTEMPTS must be >= 0, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return errs.New(errs.KindConfig, op, "RECONNECT_DELAY must be >= 0, got %s", c.ReconnectDelay)
	}
	if c.IdentityName == "" {
		return errs.New(errs.KindConfig, op, "DB_IDENTITY is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return errs.New(errs.KindConfig, op, "LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return errs.New(errs.KindConfig, op, "LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Dialect returns the parsed server dialect.
func (c *Config) Dialect() adapter.Dialect {
	d, _ := adapter.ParseDialect(c.ServerLanguage)
	return d
}

// Format returns the parsed wire format.
func (c *Config) Format() codec.Format {
	f, _ := codec.ParseFormat(c.Protocol)
	return f
}

// Endpoint renders host:port for logs.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ServerIP, c.ServerPort)
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_language", c.ServerLanguage).
		Str("endpoint", c.Endpoint()).
		Bool("ssl", c.ServerUseSSL).
		Str("protocol", c.Protocol).
		Str("transport", c.Transport).
		Dur("connection_timeout", c.ConnectionTimeout).
		Int("reconnect_attempts", c.ReconnectAttempts).
		Dur("reconnect_delay", c.ReconnectDelay).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Str("identity", c.IdentityName).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Client configuration loaded")
}
