package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "HUDDLE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "huddle.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultStoreDriver       = StoreSQLite
	defaultAuthIssuer        = "huddle-auth"
	defaultAuthAudience      = "huddle-api"
	defaultAuthCookieName    = "huddle_session"
	defaultTokenTTLMinutes   = 60
	defaultMongoDatabase     = "huddle"
	defaultExecutionURL      = "http://localhost:2000"
	defaultExecutionSeconds  = 30
	defaultExecutionOutput   = 1 << 20
	defaultIdleMinutes       = 30
	defaultCleanupMinutes    = 5
	defaultInactivityHours   = 24
	defaultRetentionDays     = 30
	defaultTraceSampleRatio  = 1.0
	defaultServiceName       = "huddle-api"
	defaultAllowedOriginsCSV = "*"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthCookieName    string
	TokenTTL          time.Duration

	StoreDriver   string
	DatabasePath  string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string
	RedisAddress  string
	RedisPassword string

	ExecutionURL            string
	ExecutionTimeout        time.Duration
	ExecutionMaxOutputBytes int

	RoomsAutoCreate  bool
	IdleThreshold    time.Duration
	CleanupInterval  time.Duration
	InactivityWindow time.Duration
	Retention        time.Duration

	ServiceName      string
	JaegerEndpoint   string
	TraceSampleRatio float64
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginsCSV)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("execution.url", defaultExecutionURL)
	configViper.SetDefault("execution.timeout_seconds", defaultExecutionSeconds)
	configViper.SetDefault("execution.max_output_bytes", defaultExecutionOutput)
	configViper.SetDefault("rooms.auto_create", true)
	configViper.SetDefault("rooms.idle_threshold_minutes", defaultIdleMinutes)
	configViper.SetDefault("rooms.cleanup_interval_minutes", defaultCleanupMinutes)
	configViper.SetDefault("sessions.inactivity_hours", defaultInactivityHours)
	configViper.SetDefault("sessions.retention_days", defaultRetentionDays)
	configViper.SetDefault("telemetry.service_name", defaultServiceName)
	configViper.SetDefault("telemetry.sample_ratio", defaultTraceSampleRatio)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),

		LogLevel:  configViper.GetString("log.level"),
		LogFormat: configViper.GetString("log.format"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		StoreDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		DatabasePath:  configViper.GetString("database.path"),
		DatabaseDSN:   configViper.GetString("database.dsn"),
		MongoURI:      configViper.GetString("mongo.uri"),
		MongoDatabase: configViper.GetString("mongo.database"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),

		ExecutionURL:            configViper.GetString("execution.url"),
		ExecutionTimeout:        time.Duration(configViper.GetInt("execution.timeout_seconds")) * time.Second,
		ExecutionMaxOutputBytes: configViper.GetInt("execution.max_output_bytes"),

		RoomsAutoCreate:  configViper.GetBool("rooms.auto_create"),
		IdleThreshold:    time.Duration(configViper.GetInt("rooms.idle_threshold_minutes")) * time.Minute,
		CleanupInterval:  time.Duration(configViper.GetInt("rooms.cleanup_interval_minutes")) * time.Minute,
		InactivityWindow: time.Duration(configViper.GetInt("sessions.inactivity_hours")) * time.Hour,
		Retention:        time.Duration(configViper.GetInt("sessions.retention_days")) * 24 * time.Hour,

		ServiceName:      configViper.GetString("telemetry.service_name"),
		JaegerEndpoint:   configViper.GetString("telemetry.jaeger_endpoint"),
		TraceSampleRatio: configViper.GetFloat64("telemetry.sample_ratio"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.StoreDriver {
	case StoreSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres store")
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("mongo.uri is required for the mongo store")
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			return fmt.Errorf("mongo.database is required for the mongo store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, mongo, memory", c.StoreDriver)
	}
	if strings.TrimSpace(c.ExecutionURL) == "" {
		return fmt.Errorf("execution.url is required")
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution.timeout_seconds must be positive")
	}
	if c.ExecutionMaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive")
	}
	if c.IdleThreshold <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("rooms.idle_threshold_minutes and rooms.cleanup_interval_minutes must be positive")
	}
	if c.InactivityWindow <= 0 || c.Retention <= 0 {
		return fmt.Errorf("sessions.inactivity_hours and sessions.retention_days must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// UsesRelationalStore reports whether sessions live in a gorm-backed database.
func (c AppConfig) UsesRelationalStore() bool {
	return c.StoreDriver == StoreSQLite || c.StoreDriver == StorePostgres
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
