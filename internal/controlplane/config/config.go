// Package config provides configuration loading for the alert service.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/solarwatch/flarealert/internal/controlplane/auth"
	"github.com/solarwatch/flarealert/internal/controlplane/dispatch"
	"github.com/solarwatch/flarealert/internal/controlplane/maintenance"
)

// Config holds all service configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/flarealert")
	DataDir string `yaml:"data_dir"`

	// TLS settings
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Storage     StorageConfig        `yaml:"storage"`
	Auth        AuthConfig           `yaml:"auth"`
	Webhook     WebhookConfig        `yaml:"webhook"`
	Email       EmailConfig          `yaml:"email"`
	Dispatch    DispatchConfig       `yaml:"dispatch"`
	LivePush    LivePushConfig       `yaml:"live_push"`
	RateLimit   auth.RateLimitConfig `yaml:"rate_limit"`
	CORS        CORSConfig           `yaml:"cors"`
	Ingest      IngestConfig         `yaml:"ingest"`
	Maintenance maintenance.Options  `yaml:"maintenance"`
	Tracing     TracingConfig        `yaml:"tracing"`
}

// StorageConfig selects the notification store backend. Alert configs
// always live in SQLite under DataDir.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// AuthConfig configures token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// IngestKey guards POST /api/v1/predictions. Empty disables the route.
	IngestKey string `yaml:"ingest_key,omitempty"`
}

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	// MasterKey is hex-encoded, 64+ chars. Per-config secrets derive from it.
	MasterKey string        `yaml:"master_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// EmailConfig configures the mail transport.
type EmailConfig struct {
	// Driver is "smtp", "http" or "" (email channel disabled).
	Driver       string        `yaml:"driver,omitempty"`
	From         string        `yaml:"from,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	SMTPHost     string        `yaml:"smtp_host,omitempty"`
	SMTPPort     int           `yaml:"smtp_port,omitempty"`
	SMTPUsername string        `yaml:"smtp_username,omitempty"`
	SMTPPassword string        `yaml:"smtp_password,omitempty"`
	HTTPEndpoint string        `yaml:"http_endpoint,omitempty"`
	HTTPAPIKey   string        `yaml:"http_api_key,omitempty"`
}

// DispatchConfig tunes the delivery worker pool.
type DispatchConfig struct {
	Policy         dispatch.Policy `yaml:"policy"`
	Workers        int             `yaml:"workers"`
	PollInterval   time.Duration   `yaml:"poll_interval"`
	BatchSize      int             `yaml:"batch_size"`
	AttemptTimeout time.Duration   `yaml:"attempt_timeout"`
}

// LivePushConfig tunes the subscriber hub.
type LivePushConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PongGrace         time.Duration `yaml:"pong_grace"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// IngestConfig enables the stream prediction sources.
type IngestConfig struct {
	Redis RedisIngestConfig `yaml:"redis"`
	MQTT  MQTTIngestConfig  `yaml:"mqtt"`
}

// RedisIngestConfig configures the Redis Streams consumer.
type RedisIngestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
	Group    string `yaml:"group,omitempty"`
	Consumer string `yaml:"consumer,omitempty"`
}

// MQTTIngestConfig configures the MQTT subscription.
type MQTTIngestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/flarealert",
		LogLevel:   "info",
		Storage:    StorageConfig{Driver: "sqlite"},
		Auth: AuthConfig{
			Issuer:   auth.DefaultIssuer,
			TokenTTL: 24 * time.Hour,
		},
		Webhook: WebhookConfig{Timeout: 10 * time.Second},
		Email: EmailConfig{
			Timeout:  10 * time.Second,
			SMTPPort: 587,
		},
		Dispatch: DispatchConfig{
			Policy:         dispatch.DefaultPolicy(),
			Workers:        8,
			PollInterval:   time.Second,
			BatchSize:      64,
			AttemptTimeout: 15 * time.Second,
		},
		LivePush: LivePushConfig{
			HeartbeatInterval: 30 * time.Second,
			PongGrace:         10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
			StaleAfter:        30 * time.Second,
		},
		RateLimit:   auth.DefaultRateLimitConfig(),
		Maintenance: maintenance.DefaultOptions(),
	}
}

// Load reads configuration from a file, then overlays environment variables.
// A .env file in the working directory is loaded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("FLAREALERT_" + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv("FLAREALERT_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv("FLAREALERT_" + key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv("FLAREALERT_" + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("DATA_DIR", &cfg.DataDir)
	str("TLS_CERT", &cfg.TLSCert)
	str("TLS_KEY", &cfg.TLSKey)
	str("LOG_LEVEL", &cfg.LogLevel)

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_ISSUER", &cfg.Auth.Issuer)
	dur("TOKEN_TTL", &cfg.Auth.TokenTTL)
	str("INGEST_KEY", &cfg.Auth.IngestKey)

	str("WEBHOOK_MASTER_KEY", &cfg.Webhook.MasterKey)
	dur("WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)

	str("EMAIL_DRIVER", &cfg.Email.Driver)
	str("EMAIL_FROM", &cfg.Email.From)
	str("SMTP_HOST", &cfg.Email.SMTPHost)
	num("SMTP_PORT", &cfg.Email.SMTPPort)
	str("SMTP_USERNAME", &cfg.Email.SMTPUsername)
	str("SMTP_PASSWORD", &cfg.Email.SMTPPassword)
	str("MAIL_API_ENDPOINT", &cfg.Email.HTTPEndpoint)
	str("MAIL_API_KEY", &cfg.Email.HTTPAPIKey)

	num("DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	num("MAX_ATTEMPTS", &cfg.Dispatch.Policy.MaxAttempts)

	num("RATE_LIMIT", &cfg.RateLimit.RequestsPerMinute)
	if v := os.Getenv("FLAREALERT_CORS_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	flag("REDIS_ENABLED", &cfg.Ingest.Redis.Enabled)
	str("REDIS_ADDR", &cfg.Ingest.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Ingest.Redis.Password)
	str("REDIS_STREAM", &cfg.Ingest.Redis.Stream)
	flag("MQTT_ENABLED", &cfg.Ingest.MQTT.Enabled)
	str("MQTT_BROKER", &cfg.Ingest.MQTT.Broker)
	str("MQTT_USERNAME", &cfg.Ingest.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.Ingest.MQTT.Password)
	str("MQTT_TOPIC", &cfg.Ingest.MQTT.Topic)

	str("OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every setting that would stop the service from starting.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not sqlite or postgres", c.Storage.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if len(c.Webhook.MasterKey) < 64 {
		errs = append(errs, errors.New("webhook.master_key must be at least 64 hex chars"))
	}
	switch c.Email.Driver {
	case "":
	case "smtp":
		if c.Email.SMTPHost == "" || c.Email.From == "" {
			errs = append(errs, errors.New("email.smtp_host and email.from are required for the smtp driver"))
		}
	case "http":
		if c.Email.HTTPEndpoint == "" || c.Email.From == "" {
			errs = append(errs, errors.New("email.http_endpoint and email.from are required for the http driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("email.driver %q is not smtp or http", c.Email.Driver))
	}
	if err := c.Dispatch.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.policy: %w", err))
	}
	if lease, floor := c.claimLease(), c.attemptTimeout()+dispatch.PersistTimeout; lease <= floor {
		errs = append(errs, fmt.Errorf("maintenance.claim_lease %s must exceed dispatch.attempt_timeout plus %s", lease, dispatch.PersistTimeout))
	}
	if c.Ingest.Redis.Enabled && c.Ingest.Redis.Addr == "" {
		errs = append(errs, errors.New("ingest.redis.addr is required when redis ingest is enabled"))
	}
	if c.Ingest.MQTT.Enabled && c.Ingest.MQTT.Broker == "" {
		errs = append(errs, errors.New("ingest.mqtt.broker is required when mqtt ingest is enabled"))
	}
	if c.Ingest.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("ingest.mqtt.qos %d is out of range", c.Ingest.MQTT.QoS))
	}
	return errors.Join(errs...)
}

func (c Config) claimLease() time.Duration {
	if c.Maintenance.ClaimLease <= 0 {
		return maintenance.DefaultOptions().ClaimLease
	}
	return c.Maintenance.ClaimLease
}

func (c Config) attemptTimeout() time.Duration {
	if c.Dispatch.AttemptTimeout <= 0 {
		return dispatch.DefaultAttemptTimeout
	}
	return c.Dispatch.AttemptTimeout
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS cert and key are configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
