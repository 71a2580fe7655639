// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP proxy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the SMTP front-end's delivery backend: "graph",
	// "ses", "stdout", or empty for auto-detection.
	Provider string `yaml:"provider"`

	SMTP    SMTPConfig    `yaml:"smtp"`
	Graph   GraphConfig   `yaml:"graph"`
	SES     SESConfig     `yaml:"ses"`
	HTTP    HTTPConfig    `yaml:"http"`
	Send    SendConfig    `yaml:"send"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SESConfig holds AWS SES v2 configuration, used when Provider is "ses"
// (or auto-detected when Graph is not configured).
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// HTTPConfig holds the optional HTTP front-end's listener settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`

	// TLSEnabled serves the front-end over HTTPS using the certificate
	// material from TLSConfig (the same cert the SMTP listener uses for
	// STARTTLS, or a self-signed fallback). It defaults to false: unless it
	// is set, the front-end serves plain HTTP.
	TLSEnabled bool `yaml:"tls_enabled"`
}

// SendConfig overrides the core pipeline's per-send defaults. A zero value
// on any field leaves mail.SendOptions.WithDefaults free to fill it in.
type SendConfig struct {
	RequestTimeout             time.Duration `yaml:"request_timeout"`
	LargeAttachmentThreshold   int64         `yaml:"large_attachment_threshold"`
	ChunkSize                  int64         `yaml:"chunk_size"`
	MaxAggregateAttachmentSize int64         `yaml:"max_aggregate_attachment_size"`
	SaveToSentItems            bool          `yaml:"save_to_sent_items"`
}

// TLSConfig holds TLS certificate file paths, shared by the SMTP
// STARTTLS listener and, when HTTP.TLSEnabled is set, the HTTP front-end.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if the minimum AWS SES settings (region and
// sender) are present; static credentials are optional (the AWS SDK falls
// back to its default credential chain).
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.HTTP.TLSEnabled = b
		}
	}

	if v := os.Getenv("SEND_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Send.RequestTimeout = d
		}
	}
	if v := os.Getenv("SEND_LARGE_ATTACHMENT_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.LargeAttachmentThreshold = n
		}
	}
	if v := os.Getenv("SEND_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.ChunkSize = n
		}
	}
	if v := os.Getenv("SEND_MAX_AGGREGATE_ATTACHMENT_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Send.MaxAggregateAttachmentSize = n
		}
	}
	if v := os.Getenv("SEND_SAVE_TO_SENT_ITEMS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Send.SaveToSentItems = b
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
