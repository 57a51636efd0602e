package config

import (
	"strings"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/spf13/viper"
)

const (
	DRIVER_POSTGRES = "postgres"
	DRIVER_SQLITE   = "sqlite"
)

type Config struct {
	GeneralVersion         string  `mapstructure:"GENERAL_VERSION"`
	Environment            string  `mapstructure:"ENVIRONMENT"`
	ServerPort             int     `mapstructure:"SERVER_PORT"`
	DatabaseDriver         string  `mapstructure:"DB_DRIVER"`
	DatabaseHost           string  `mapstructure:"DB_HOST"`
	DatabasePort           int     `mapstructure:"DB_PORT"`
	DatabaseName           string  `mapstructure:"DB_NAME"`
	DatabaseUser           string  `mapstructure:"DB_USER"`
	DatabasePassword       string  `mapstructure:"DB_PASSWORD"`
	DatabasePath           string  `mapstructure:"DB_PATH"`
	DatabaseCacheAddress   string  `mapstructure:"DB_CACHE_ADDRESS"`
	DatabaseCachePort      int     `mapstructure:"DB_CACHE_PORT"`
	DatabaseCacheReset     int     `mapstructure:"DB_CACHE_RESET"`
	CorsAllowOrigins       string  `mapstructure:"CORS_ALLOW_ORIGINS"`
	CatalogBaseURL         string  `mapstructure:"CATALOG_BASE_URL"`
	CatalogClientID        string  `mapstructure:"CATALOG_CLIENT_ID"`
	CatalogClientSecret    string  `mapstructure:"CATALOG_CLIENT_SECRET"`
	CatalogTimeoutSeconds  int     `mapstructure:"CATALOG_TIMEOUT_SECONDS"`
	CatalogRateLimit       float64 `mapstructure:"CATALOG_RATE_LIMIT"`
	CatalogBatchSize       int     `mapstructure:"CATALOG_BATCH_SIZE"`
	CatalogCacheTTLMinutes int     `mapstructure:"CATALOG_CACHE_TTL_MINUTES"`
	APISigningKey          string  `mapstructure:"API_SIGNING_KEY"`
	SchedulerEnabled       bool    `mapstructure:"SCHEDULER_ENABLED"`
	SyncIntervalMinutes    int     `mapstructure:"SYNC_INTERVAL_MINUTES"`
}

var envVars = []string{
	"GENERAL_VERSION", "ENVIRONMENT", "SERVER_PORT",
	"DB_DRIVER", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_PATH",
	"DB_CACHE_ADDRESS", "DB_CACHE_PORT", "DB_CACHE_RESET",
	"CORS_ALLOW_ORIGINS",
	"CATALOG_BASE_URL", "CATALOG_CLIENT_ID", "CATALOG_CLIENT_SECRET", "CATALOG_TIMEOUT_SECONDS",
	"CATALOG_RATE_LIMIT", "CATALOG_BATCH_SIZE", "CATALOG_CACHE_TTL_MINUTES",
	"API_SIGNING_KEY",
	"SCHEDULER_ENABLED", "SYNC_INTERVAL_MINUTES",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", DRIVER_POSTGRES)
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_PATH", "catalogsync.db")
	v.SetDefault("DB_CACHE_RESET", -1)
	v.SetDefault("CATALOG_TIMEOUT_SECONDS", 30)
	v.SetDefault("CATALOG_RATE_LIMIT", 5)
	v.SetDefault("CATALOG_BATCH_SIZE", 50)
	v.SetDefault("CATALOG_CACHE_TTL_MINUTES", 60)
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SYNC_INTERVAL_MINUTES", 60)
}

// New loads configuration from the environment, falling back to .env and
// .env.local when the environment is not populated.
func New() (Config, error) {
	return load(viper.New(), ".env", ".env.local")
}

func load(v *viper.Viper, baseFile, overrideFile string) (Config, error) {
	log := logger.New("config").Function("New")
	log.Info("Initializing config")

	setDefaults(v)
	v.AutomaticEnv()

	for _, env := range envVars {
		if err := v.BindEnv(env); err != nil {
			log.Warn("Failed to bind environment variable", "env", env, "error", err)
		}
	}

	envVarsSet := v.IsSet("SERVER_PORT") && v.IsSet("CATALOG_BASE_URL")

	if envVarsSet {
		log.Info("Environment variables detected, skipping file loading")
	} else {
		log.Info("Environment variables not found, attempting to load from files")

		v.SetConfigFile(baseFile)
		v.SetConfigType("env")

		if err := v.ReadInConfig(); err != nil {
			log.Warn("Could not find .env file", "error", err)
		} else {
			log.Info("Loaded .env file")
		}

		v.SetConfigFile(overrideFile)
		if err := v.MergeInConfig(); err != nil {
			log.Debug("No .env.local file found", "error", err)
		} else {
			log.Info("Loaded .env.local overrides")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, log.Err("Fatal error: could not unmarshal config", err)
	}
	config.DatabaseDriver = strings.ToLower(config.DatabaseDriver)

	if err := validateConfig(config, log); err != nil {
		return Config{}, err
	}

	log.Info("Successfully initialized config",
		"environment", config.Environment,
		"dbDriver", config.DatabaseDriver,
		"catalog", config.CatalogBaseURL,
	)
	return config, nil
}

func validateConfig(config Config, log logger.Logger) error {
	if config.ServerPort <= 0 {
		return log.Error(
			"Fatal error: invalid server port",
			"port", config.ServerPort,
		)
	}

	switch config.DatabaseDriver {
	case DRIVER_POSTGRES:
		if config.DatabaseHost == "" || config.DatabaseName == "" || config.DatabaseUser == "" {
			return log.Error("Fatal error: DB_HOST, DB_NAME and DB_USER required for postgres")
		}
	case DRIVER_SQLITE:
		if config.DatabasePath == "" {
			return log.Error("Fatal error: DB_PATH required for sqlite")
		}
	default:
		return log.Error("Fatal error: unsupported database driver", "driver", config.DatabaseDriver)
	}

	if config.CatalogBaseURL == "" {
		return log.Error("Fatal error: CATALOG_BASE_URL is required")
	}
	if config.CatalogBatchSize <= 0 {
		return log.Error("Fatal error: invalid catalog batch size", "size", config.CatalogBatchSize)
	}
	if config.CatalogRateLimit <= 0 {
		return log.Error("Fatal error: invalid catalog rate limit", "limit", config.CatalogRateLimit)
	}
	if config.SchedulerEnabled && config.SyncIntervalMinutes <= 0 {
		return log.Error(
			"Fatal error: SYNC_INTERVAL_MINUTES must be positive when the scheduler is enabled",
			"interval", config.SyncIntervalMinutes,
		)
	}

	return nil
}

// CacheEnabled reports whether a valkey address was configured.
func (c Config) CacheEnabled() bool {
	return c.DatabaseCacheAddress != "" && c.DatabaseCachePort > 0
}
