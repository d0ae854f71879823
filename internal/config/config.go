package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port          string        `mapstructure:"PORT"`
	Env           string        `mapstructure:"ENV"`
	Store         string        `mapstructure:"STORE"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string        `mapstructure:"MIGRATIONS_DIR"`
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	TokenTTL      time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	DefaultRadiusKm   float64       `mapstructure:"DEFAULT_RADIUS_KM"`
	EscalationLimit   int           `mapstructure:"ESCALATION_LIMIT"`
	FanOutConcurrency int           `mapstructure:"FANOUT_CONCURRENCY"`
	HospitalCacheTTL  time.Duration `mapstructure:"HOSPITAL_CACHE_TTL"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisStream     string `mapstructure:"REDIS_STREAM"`
	RedisStreamMax  int64  `mapstructure:"REDIS_STREAM_MAXLEN"`
	MQTTBroker      string `mapstructure:"MQTT_BROKER"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`
	MQTTQoS         int    `mapstructure:"MQTT_QOS"`

	WebhookURL     string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret  string `mapstructure:"WEBHOOK_SECRET"`
	WebhookRetries int    `mapstructure:"WEBHOOK_RETRIES"`

	EventQueueSize       int           `mapstructure:"EVENT_QUEUE_SIZE"`
	EventDeliveryTimeout time.Duration `mapstructure:"EVENT_DELIVERY_TIMEOUT"`

	OverpassURL          string  `mapstructure:"OVERPASS_URL"`
	HospitalSyncCron     string  `mapstructure:"HOSPITAL_SYNC_CRON"`
	HospitalSyncLat      float64 `mapstructure:"HOSPITAL_SYNC_LAT"`
	HospitalSyncLng      float64 `mapstructure:"HOSPITAL_SYNC_LNG"`
	HospitalSyncRadiusKm float64 `mapstructure:"HOSPITAL_SYNC_RADIUS_KM"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogFile  string `mapstructure:"LOG_FILE"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "JWT_SECRET", "JWT_ISSUER", "TOKEN_TTL", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"DEFAULT_RADIUS_KM", "ESCALATION_LIMIT", "FANOUT_CONCURRENCY", "HOSPITAL_CACHE_TTL",
	"REDIS_URL", "REDIS_STREAM", "REDIS_STREAM_MAXLEN",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_TOPIC_PREFIX", "MQTT_QOS",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_RETRIES",
	"EVENT_QUEUE_SIZE", "EVENT_DELIVERY_TIMEOUT",
	"OVERPASS_URL", "HOSPITAL_SYNC_CRON", "HOSPITAL_SYNC_LAT", "HOSPITAL_SYNC_LNG", "HOSPITAL_SYNC_RADIUS_KM",
	"LOG_LEVEL", "LOG_FILE",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads .env (when present) and the environment and applies defaults
// without validating. Commands that never touch the store use it.
func Read() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "resqnet")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("DEFAULT_RADIUS_KM", 10.0)
	v.SetDefault("ESCALATION_LIMIT", 20)
	v.SetDefault("FANOUT_CONCURRENCY", 8)
	v.SetDefault("HOSPITAL_CACHE_TTL", "30s")
	v.SetDefault("REDIS_STREAM", "resqnet:events")
	v.SetDefault("REDIS_STREAM_MAXLEN", 10000)
	v.SetDefault("MQTT_CLIENT_ID", "resqnet-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "resqnet")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("WEBHOOK_RETRIES", 2)
	v.SetDefault("EVENT_QUEUE_SIZE", 1024)
	v.SetDefault("EVENT_DELIVERY_TIMEOUT", "30s")
	v.SetDefault("OVERPASS_URL", "https://overpass-api.de/api/interpreter")
	v.SetDefault("HOSPITAL_SYNC_RADIUS_KM", 25.0)
	v.SetDefault("LOG_LEVEL", "info")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
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

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether emergencies and hospitals live in process
// memory instead of Postgres.
func (c *Config) UsesMemoryStore() bool {
	return c.Store == StoreMemory
}

// HospitalSyncEnabled reports whether the periodic OpenStreetMap import is
// scheduled.
func (c *Config) HospitalSyncEnabled() bool {
	return strings.TrimSpace(c.HospitalSyncCron) != ""
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}

	if !c.IsDev() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required outside development"))
		} else if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
		}
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}

	if !(c.DefaultRadiusKm > 0) || math.IsInf(c.DefaultRadiusKm, 1) {
		errs = append(errs, errors.New("DEFAULT_RADIUS_KM must be a positive number"))
	}
	if c.EscalationLimit <= 0 {
		errs = append(errs, errors.New("ESCALATION_LIMIT must be positive"))
	}
	if c.FanOutConcurrency <= 0 {
		errs = append(errs, errors.New("FANOUT_CONCURRENCY must be positive"))
	}
	if c.HospitalCacheTTL < 0 {
		errs = append(errs, errors.New("HOSPITAL_CACHE_TTL must not be negative"))
	}
	if c.WebhookRetries < 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_RETRIES must be >= 0, got %d", c.WebhookRetries))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("EVENT_QUEUE_SIZE must be positive"))
	}
	if c.EventDeliveryTimeout <= 0 {
		errs = append(errs, errors.New("EVENT_DELIVERY_TIMEOUT must be positive"))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}

	if c.HospitalSyncEnabled() {
		if c.HospitalSyncLat < -90 || c.HospitalSyncLat > 90 || c.HospitalSyncLng < -180 || c.HospitalSyncLng > 180 {
			errs = append(errs, errors.New("HOSPITAL_SYNC_LAT/HOSPITAL_SYNC_LNG out of range"))
		}
		if !(c.HospitalSyncRadiusKm > 0) {
			errs = append(errs, errors.New("HOSPITAL_SYNC_RADIUS_KM must be positive"))
		}
	}

	return errors.Join(errs...)
}
