package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

// Known event sink names for EVENT_SINKS.
var knownSinks = map[string]bool{"log": true, "websocket": true, "redis": true, "kafka": true}

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	Store           string        `mapstructure:"STORE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultFacility string        `mapstructure:"DEFAULT_FACILITY"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	TriageFile      string        `mapstructure:"TRIAGE_PROTOCOL_FILE"`
	EventSinks      []string      `mapstructure:"EVENT_SINKS"`
	EventBuffer     int           `mapstructure:"EVENT_BUFFER"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisChannel    string        `mapstructure:"REDIS_CHANNEL"`
	KafkaBrokers    []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic      string        `mapstructure:"KAFKA_TOPIC"`
	OTelServiceName string        `mapstructure:"OTEL_SERVICE_NAME"`
	OTelEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRate  float64       `mapstructure:"OTEL_SAMPLE_RATE"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_FACILITY", "CORS_ORIGINS", "AUTH_MODE", "AUTH_SIGNING_KEY",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "TRIAGE_PROTOCOL_FILE", "EVENT_SINKS",
	"EVENT_BUFFER", "REDIS_URL", "REDIS_CHANNEL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"OTEL_SERVICE_NAME", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
}

// Load reads the environment, plus .env in the working directory when it
// exists. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_FACILITY", "main")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_MODE", "") // "" follows ENV
	v.SetDefault("EVENT_SINKS", "log,websocket")
	v.SetDefault("EVENT_BUFFER", 1024)
	v.SetDefault("REDIS_CHANNEL", "patientflow.events")
	v.SetDefault("KAFKA_TOPIC", "patientflow.events")
	v.SetDefault("OTEL_SERVICE_NAME", "flow-server")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "256K")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is normal outside local development.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.EventSinks = splitList(v.GetString("EVENT_SINKS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthJWT
		if cfg.IsDev() {
			cfg.AuthMode = AuthDevelopment
		}
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasSink reports whether name is listed in EVENT_SINKS.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.EventSinks {
		if s == name {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	switch c.AuthMode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=%s is not allowed in production", AuthDevelopment)
		}
	case AuthJWT:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE=%s", AuthJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, c.AuthMode)
	}

	if c.IsProduction() && c.Store != StorePostgres {
		return fmt.Errorf("production requires STORE=%s", StorePostgres)
	}

	for _, s := range c.EventSinks {
		if !knownSinks[s] {
			return fmt.Errorf("unknown event sink %q in EVENT_SINKS", s)
		}
	}
	if c.HasSink("redis") && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the redis event sink")
	}
	if c.HasSink("kafka") && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == "") {
		return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required for the kafka event sink")
	}

	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.OTelSampleRate)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}
