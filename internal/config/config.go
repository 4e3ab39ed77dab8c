package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// maxNumberedSenders bounds the AZURE_*_{n} env var scan.
const maxNumberedSenders = 10

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Graph     GraphConfig     `yaml:"graph"`
	Validator ValidatorConfig `yaml:"validator"`
	Workers   WorkersConfig   `yaml:"workers"`
	Templates TemplatesConfig `yaml:"templates"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for ListenAndServe
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings for worker locks.
// When Addr is empty the workers fall back to Postgres advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis endpoint is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// SenderCredential is one Graph app registration tied to a mailbox
type SenderCredential struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
	SenderEmail  string `yaml:"sender_email"`
}

// Complete reports whether the credential triple is usable
func (c SenderCredential) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TenantID != ""
}

// GraphConfig holds Microsoft Graph API configuration
type GraphConfig struct {
	BaseURL        string             `yaml:"base_url"`
	LoginBase      string             `yaml:"login_base"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	Senders        []SenderCredential `yaml:"senders"`
	Default        SenderCredential   `yaml:"default"`
}

// Timeout returns the configured timeout as a duration
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ValidatorConfig holds the external email validation service settings
type ValidatorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Concurrency    int    `yaml:"concurrency"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ValidatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WorkersConfig holds the three worker loop intervals
type WorkersConfig struct {
	DecisionIntervalSeconds int `yaml:"decision_interval_seconds"`
	QueueIntervalSeconds    int `yaml:"queue_interval_seconds"`
	ReplyIntervalSeconds    int `yaml:"reply_interval_seconds"`
}

// DecisionInterval returns the decision engine tick interval
func (c WorkersConfig) DecisionInterval() time.Duration {
	return time.Duration(c.DecisionIntervalSeconds) * time.Second
}

// QueueInterval returns the queue worker tick interval
func (c WorkersConfig) QueueInterval() time.Duration {
	return time.Duration(c.QueueIntervalSeconds) * time.Second
}

// ReplyInterval returns the reply detector tick interval
func (c WorkersConfig) ReplyInterval() time.Duration {
	return time.Duration(c.ReplyIntervalSeconds) * time.Second
}

// TemplatesConfig holds the message template location
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Graph.TimeoutSeconds == 0 {
		cfg.Graph.TimeoutSeconds = 30
	}
	if cfg.Validator.TimeoutSeconds == 0 {
		cfg.Validator.TimeoutSeconds = 15
	}
	if cfg.Validator.Concurrency == 0 {
		cfg.Validator.Concurrency = 5
	}
	if cfg.Workers.DecisionIntervalSeconds == 0 {
		cfg.Workers.DecisionIntervalSeconds = 60
	}
	if cfg.Workers.QueueIntervalSeconds == 0 {
		cfg.Workers.QueueIntervalSeconds = 10
	}
	if cfg.Workers.ReplyIntervalSeconds == 0 {
		cfg.Workers.ReplyIntervalSeconds = 300
	}
	if cfg.Templates.Dir == "" {
		cfg.Templates.Dir = "templates"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if base := os.Getenv("GRAPH_BASE_URL"); base != "" {
		cfg.Graph.BaseURL = base
	}
	if v := os.Getenv("EMAIL_VALIDATOR_ENDPOINT"); v != "" {
		cfg.Validator.Endpoint = v
		cfg.Validator.Enabled = true
	}
	if dir := os.Getenv("TEMPLATES_DIR"); dir != "" {
		cfg.Templates.Dir = dir
	}

	// Numbered sender registrations: AZURE_CLIENT_ID_1, AZURE_CLIENT_SECRET_1,
	// AZURE_TENANT_ID_1, GRAPH_SENDER_EMAIL_1, and so on. Env entries are
	// appended after any YAML-declared senders.
	for i := 1; i <= maxNumberedSenders; i++ {
		cred := SenderCredential{
			ClientID:     os.Getenv(fmt.Sprintf("AZURE_CLIENT_ID_%d", i)),
			ClientSecret: os.Getenv(fmt.Sprintf("AZURE_CLIENT_SECRET_%d", i)),
			TenantID:     os.Getenv(fmt.Sprintf("AZURE_TENANT_ID_%d", i)),
			SenderEmail:  os.Getenv(fmt.Sprintf("GRAPH_SENDER_EMAIL_%d", i)),
		}
		if cred.Complete() && cred.SenderEmail != "" {
			cfg.Graph.Senders = append(cfg.Graph.Senders, cred)
		}
	}

	// Unnumbered vars are the default registration used when a sender
	// mailbox has no dedicated entry.
	def := SenderCredential{
		ClientID:     os.Getenv("AZURE_CLIENT_ID"),
		ClientSecret: os.Getenv("AZURE_CLIENT_SECRET"),
		TenantID:     os.Getenv("AZURE_TENANT_ID"),
		SenderEmail:  os.Getenv("GRAPH_SENDER_EMAIL"),
	}
	if def.Complete() {
		cfg.Graph.Default = def
	}

	return cfg, nil
}
