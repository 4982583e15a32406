package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Remote     RemoteConfig     `yaml:"remote" mapstructure:"remote"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Projection ProjectionConfig `yaml:"projection" mapstructure:"projection"`
	Routes     RoutesConfig     `yaml:"routes" mapstructure:"routes"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
}

// RemoteConfig points at the remote survey service.
type RemoteConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Token       string `yaml:"token" mapstructure:"token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
}

// GeocodeConfig configures reverse geocoding.
type GeocodeConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gt=0"`
}

// ProjectionConfig bounds how far a point may be snapped onto a route.
type ProjectionConfig struct {
	MaxDistanceMeters float64 `yaml:"max_distance_meters" mapstructure:"max_distance_meters" validate:"gte=0"`
}

// RoutesConfig configures the offline route cache.
type RoutesConfig struct {
	CacheRadiusMeters float64 `yaml:"cache_radius_meters" mapstructure:"cache_radius_meters" validate:"gte=0"`
	// CachePath is a separate SQLite file for the cache. Empty shares the
	// record database when store.driver is sqlite.
	CachePath string `yaml:"cache_path" mapstructure:"cache_path"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency" validate:"gt=0"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gt=0"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	// IntervalSecs > 0 enables periodic sync in `sync --watch` and `serve`.
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs" validate:"gte=0"`
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
}

// SessionConfig identifies the surveyor operating this device.
type SessionConfig struct {
	UserID string `yaml:"user_id" mapstructure:"user_id"`
}

// MonitoringConfig configures queue health checks and alerting.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=0"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	QueueAgeHours        int     `yaml:"queue_age_hours" mapstructure:"queue_age_hours" validate:"gte=0"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

var configValidate = validator.New()

// Validate checks value ranges for every command, then the settings the
// given mode needs: "record" (surveyor id), "sync" (remote service) or
// "serve" (remote service and port).
func (c *Config) Validate(mode string) error {
	var problems []string

	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	switch mode {
	case "", "local":
	case "record":
		if c.Session.UserID == "" {
			problems = append(problems, "session.user_id is required (not logged in)")
		}
	case "sync":
		if c.Remote.BaseURL == "" {
			problems = append(problems, "remote.base_url is required")
		}
	case "serve":
		if c.Remote.BaseURL == "" {
			problems = append(problems, "remote.base_url is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PARADAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "paradas.db")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout_secs", 30)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "paradas-survey/1.0")
	v.SetDefault("geocode.rate_limit", 1.0)
	v.SetDefault("projection.max_distance_meters", 50.0)
	v.SetDefault("routes.cache_radius_meters", 500.0)
	v.SetDefault("routes.cache_path", "")
	v.SetDefault("sync.concurrency", 2)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.initial_backoff_ms", 500)
	v.SetDefault("sync.max_backoff_ms", 10000)
	v.SetDefault("sync.circuit_threshold", 5)
	v.SetDefault("sync.circuit_reset_secs", 30)
	v.SetDefault("sync.interval_secs", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("session.user_id", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.queue_age_hours", 48)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
