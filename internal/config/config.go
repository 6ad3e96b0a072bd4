package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/access-index/internal/tracing"
)

// Config holds the full application configuration.
type Config struct {
	Log     LogConfig      `yaml:"log" mapstructure:"log"`
	Server  ServerConfig   `yaml:"server" mapstructure:"server"`
	Sources SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	Scoring ScoringConfig  `yaml:"scoring" mapstructure:"scoring"`
	Cache   CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Tracing tracing.Config `yaml:"tracing" mapstructure:"tracing"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst     int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// RequestTimeout returns the per-request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// SourcesConfig selects where amenity layers are read from.
type SourcesConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	Path            string `yaml:"path" mapstructure:"path"`
	DatabaseURL     string `yaml:"database_url" mapstructure:"database_url"`
	Schema          string `yaml:"schema" mapstructure:"schema"`
	DefaultCRS      string `yaml:"default_crs" mapstructure:"default_crs"`
	RefreshInterval string `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	MaxConns        int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Refresh returns the parsed refresh interval; zero disables refreshing.
func (s SourcesConfig) Refresh() (time.Duration, error) {
	if s.RefreshInterval == "" || s.RefreshInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.RefreshInterval)
	if err != nil {
		return 0, eris.Wrapf(err, "config: parse sources.refresh_interval %q", s.RefreshInterval)
	}
	return d, nil
}

// ScoringConfig configures queries.
type ScoringConfig struct {
	CatalogPath        string  `yaml:"catalog_path" mapstructure:"catalog_path"`
	DefaultRadiusM     float64 `yaml:"default_radius_m" mapstructure:"default_radius_m"`
	NearestTimeoutSecs float64 `yaml:"nearest_timeout_secs" mapstructure:"nearest_timeout_secs"`
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// NearestTimeout returns the nearest-outside search deadline.
func (s ScoringConfig) NearestTimeout() time.Duration {
	return time.Duration(s.NearestTimeoutSecs * float64(time.Second))
}

// CacheConfig sizes the in-process caches.
type CacheConfig struct {
	CollectionEntries int `yaml:"collection_entries" mapstructure:"collection_entries"`
	ResultEntries     int `yaml:"result_entries" mapstructure:"result_entries"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(".env")

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("sources.driver", "gpkg")
	v.SetDefault("sources.path", "data/amenidades.gpkg")
	v.SetDefault("sources.database_url", "")
	v.SetDefault("sources.schema", "public")
	v.SetDefault("sources.default_crs", "EPSG:4326")
	v.SetDefault("sources.refresh_interval", "5m")
	v.SetDefault("sources.max_conns", 4)
	v.SetDefault("sources.min_conns", 0)
	v.SetDefault("scoring.catalog_path", "")
	v.SetDefault("scoring.default_radius_m", 1000.0)
	v.SetDefault("scoring.nearest_timeout_secs", 2.0)
	v.SetDefault("scoring.concurrency", 8)
	v.SetDefault("cache.collection_entries", 4)
	v.SetDefault("cache.result_entries", 1024)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

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

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "serve", "query" (score, nearest, batch) and "layers".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.RateLimitRPS < 0 {
			errs = append(errs, "server.rate_limit_rps must be >= 0")
		}
		if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
			errs = append(errs, "server.rate_limit_burst must be >= 1 when rate limiting is enabled")
		}
		if c.Cache.ResultEntries < 0 {
			errs = append(errs, "cache.result_entries must be >= 0")
		}
		if _, err := c.Sources.Refresh(); err != nil {
			errs = append(errs, "sources.refresh_interval must be a duration")
		}
		errs = append(errs, c.validateSources()...)
		errs = append(errs, c.validateScoring()...)
	case "query":
		errs = append(errs, c.validateSources()...)
		errs = append(errs, c.validateScoring()...)
	case "layers":
		errs = append(errs, c.validateSources()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSources() []string {
	var errs []string
	switch c.Sources.Driver {
	case "gpkg", "shapefile":
		if c.Sources.Path == "" {
			errs = append(errs, fmt.Sprintf("sources.path is required for driver %s", c.Sources.Driver))
		}
	case "postgis":
		if c.Sources.DatabaseURL == "" {
			errs = append(errs, "sources.database_url is required for driver postgis")
		}
	default:
		errs = append(errs, fmt.Sprintf("sources.driver %q must be one of gpkg, shapefile, postgis", c.Sources.Driver))
	}
	if c.Cache.CollectionEntries < 0 {
		errs = append(errs, "cache.collection_entries must be >= 0")
	}
	return errs
}

func (c *Config) validateScoring() []string {
	var errs []string
	if c.Scoring.DefaultRadiusM <= 0 {
		errs = append(errs, "scoring.default_radius_m must be > 0")
	}
	if c.Scoring.NearestTimeoutSecs < 0 {
		errs = append(errs, "scoring.nearest_timeout_secs must be >= 0")
	}
	if c.Scoring.Concurrency < 1 || c.Scoring.Concurrency > 64 {
		errs = append(errs, "scoring.concurrency must be between 1 and 64")
	}
	return errs
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
