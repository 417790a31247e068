package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/migadu/mailroute/helpers"
)

// DefaultRoutingEnv is the environment variable read for the routing
// document when neither a file nor another variable is configured.
const DefaultRoutingEnv = "EMAIL_CONFIG"

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output" env:"MAILROUTE_LOG_OUTPUT"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format" env:"MAILROUTE_LOG_FORMAT"` // Log format: "json" or "console"
	Level  string `toml:"level" env:"MAILROUTE_LOG_LEVEL"`   // Log level: "debug", "info", "warn", "error"
}

// RoutingConfig tells the daemon where to find the routing document.
type RoutingConfig struct {
	File string `toml:"file" env:"MAILROUTE_ROUTING_FILE"` // Path to the JSON routing document
	Env  string `toml:"env"`                               // Environment variable holding the document
}

// LMTPConfig holds LMTP listener configuration.
type LMTPConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr" env:"MAILROUTE_LMTP_ADDR"`
	MaxMessageSize  string   `toml:"max_message_size"` // e.g. "25mb"; empty means unlimited
	TrustedNetworks []string `toml:"trusted_networks"`
	TLS             bool     `toml:"tls"`
	TLSUseStartTLS  bool     `toml:"tls_use_starttls"`
	TLSCertFile     string   `toml:"tls_cert_file"`
	TLSKeyFile      string   `toml:"tls_key_file"`
	Debug           bool     `toml:"debug"`
}

// RelayConfig defines where forwarded messages are handed off.
type RelayConfig struct {
	// Type of relay: "smtp" or "http"
	Type string `toml:"type"`

	SMTPHost        string `toml:"smtp_host"`          // e.g. "smtp.example.com:587"
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use TLS for the SMTP connection
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of implicit TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)

	HTTPURL   string `toml:"http_url"`
	AuthToken string `toml:"auth_token" env:"MAILROUTE_RELAY_AUTH_TOKEN"` // Bearer token for the HTTP relay
}

// IsConfigured returns true if a relay type is set
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// HTTPAPIConfig holds the operator HTTP API configuration.
type HTTPAPIConfig struct {
	Start  bool   `toml:"start"`
	Addr   string `toml:"addr"`
	APIKey string `toml:"api_key" env:"MAILROUTE_API_KEY"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Routing RoutingConfig `toml:"routing"`
	LMTP    LMTPConfig    `toml:"lmtp"`
	Relay   RelayConfig   `toml:"relay"`
	HTTPAPI HTTPAPIConfig `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Routing: RoutingConfig{
			Env: DefaultRoutingEnv,
		},
		LMTP: LMTPConfig{
			Start:          true,
			Addr:           ":24",
			MaxMessageSize: "50mb",
		},
		Relay: RelayConfig{
			Type:          "smtp",
			SMTPHost:      "localhost:25",
			SMTPTLSVerify: true,
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg and then
// applies environment overrides. Unknown keys are reported but not fatal.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	return ApplyEnv(cfg)
}

// ApplyEnv overrides fields tagged with `env` from the process environment.
// Variables that are not set leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// enhanceConfigError adds the line of a TOML parse error to its message.
func enhanceConfigError(err error) error {
	var perr toml.ParseError
	if errors.As(err, &perr) {
		return fmt.Errorf("configuration syntax error at line %d: %s", perr.Position.Line, perr.Message)
	}
	return fmt.Errorf("configuration error: %w", err)
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	if _, err := c.LMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("lmtp.max_message_size: %w", err)
	}

	if c.LMTP.Start {
		if c.LMTP.Addr == "" {
			return errors.New("lmtp.addr is required when lmtp.start is true")
		}
		if !c.Relay.IsConfigured() {
			return errors.New("relay.type is required when lmtp.start is true")
		}
		if c.LMTP.TLS && (c.LMTP.TLSCertFile == "" || c.LMTP.TLSKeyFile == "") {
			return errors.New("lmtp.tls requires tls_cert_file and tls_key_file")
		}
	}

	switch c.Relay.Type {
	case "":
	case "smtp":
		if c.Relay.SMTPHost == "" {
			return errors.New("relay.smtp_host is required for smtp relay")
		}
	case "http":
		if c.Relay.HTTPURL == "" {
			return errors.New("relay.http_url is required for http relay")
		}
	default:
		return fmt.Errorf("relay.type %q is not supported (use \"smtp\" or \"http\")", c.Relay.Type)
	}

	if c.HTTPAPI.Start && c.HTTPAPI.Addr == "" {
		return errors.New("http_api.addr is required when http_api.start is true")
	}

	return nil
}

// GetMaxMessageSize parses max_message_size; zero means no limit.
func (c *LMTPConfig) GetMaxMessageSize() (int64, error) {
	if strings.TrimSpace(c.MaxMessageSize) == "" {
		return 0, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// LoadDocument returns the raw routing document, read from File when set and
// from the configured environment variable otherwise.
func (r *RoutingConfig) LoadDocument() (string, error) {
	if r.File != "" {
		data, err := os.ReadFile(r.File)
		if err != nil {
			return "", fmt.Errorf("read routing file: %w", err)
		}
		return string(data), nil
	}

	name := r.Env
	if name == "" {
		name = DefaultRoutingEnv
	}
	doc, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("routing document variable %s is not set", name)
	}
	return doc, nil
}
