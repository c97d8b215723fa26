// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// Tracking settings
	HeartbeatFrequencyMs  int  `mapstructure:"heartbeatfrequencyms"`
	SessionTimeoutSeconds int  `mapstructure:"sessiontimeoutseconds"`
	AggressiveHashSalting bool `mapstructure:"aggressivehashsalting"`
	BlockAllIPs           bool `mapstructure:"blockallips"`
	DispatchWorkers       int  `mapstructure:"dispatchworkers"`

	// File paths
	DatabasePath  string `mapstructure:"storagepath"`
	DatabaseName  string `mapstructure:"-"` // Derived from other settings
	GeoCityDBPath string `mapstructure:"geocitydbpath"`
	GeoASNDBPath  string `mapstructure:"geoasndbpath"`

	// Cache settings (empty address selects the in-process cache)
	RedisAddr     string `mapstructure:"redisaddr"`
	RedisPassword string `mapstructure:"redispassword"`
	RedisDB       int    `mapstructure:"redisdb"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		// Set defaults
		v.SetDefault("appname", "crena")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("heartbeatfrequencyms", 5000)
		v.SetDefault("sessiontimeoutseconds", 1800)
		v.SetDefault("aggressivehashsalting", false)
		v.SetDefault("blockallips", false)
		v.SetDefault("dispatchworkers", 8)
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geocitydbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("geoasndbpath", "storage/GeoLite2-ASN.mmdb")
		v.SetDefault("redisaddr", "")
		v.SetDefault("redispassword", "")
		v.SetDefault("redisdb", 0)
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)

		// Bind environment variables
		v.BindEnv("appname", "CRENA_APP_NAME")
		v.BindEnv("appport", "CRENA_APP_PORT")
		v.BindEnv("environment", "CRENA_ENV")
		v.BindEnv("loglevel", "CRENA_LOG_LEVEL")
		v.BindEnv("privatekey", "CRENA_PRIVATE_KEY")
		v.BindEnv("heartbeatfrequencyms", "CRENA_HEARTBEAT_FREQUENCY_MS")
		v.BindEnv("sessiontimeoutseconds", "CRENA_SESSION_TIMEOUT_SECONDS")
		v.BindEnv("aggressivehashsalting", "CRENA_AGGRESSIVE_HASH_SALTING")
		v.BindEnv("blockallips", "CRENA_BLOCK_ALL_IPS")
		v.BindEnv("dispatchworkers", "CRENA_DISPATCH_WORKERS")
		v.BindEnv("storagepath", "CRENA_STORAGE_PATH")
		v.BindEnv("geocitydbpath", "CRENA_GEO_CITY_DB_PATH")
		v.BindEnv("geoasndbpath", "CRENA_GEO_ASN_DB_PATH")
		v.BindEnv("redisaddr", "CRENA_REDIS_ADDR")
		v.BindEnv("redispassword", "CRENA_REDIS_PASSWORD")
		v.BindEnv("redisdb", "CRENA_REDIS_DB")
		v.BindEnv("logsdir", "CRENA_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "CRENA_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "CRENA_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "CRENA_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "CRENA_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "CRENA_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "CRENA_DB_MAX_IDLE_CONNS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		// Validate
		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		// Set derived values
		cfg.DatabaseName = cfg.GetDatabasePath()

		// Validate private key - in production, must be explicitly set (not empty, not default)
		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique CRENA_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	if c.HeartbeatFrequencyMs <= 0 {
		return fmt.Errorf("heartbeat frequency must be positive, got %d", c.HeartbeatFrequencyMs)
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", c.SessionTimeoutSeconds)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// HeartbeatFrequency returns the tracking script heartbeat interval.
func (c *Config) HeartbeatFrequency() time.Duration {
	return time.Duration(c.HeartbeatFrequencyMs) * time.Millisecond
}

// ActiveUserThreshold is how long a session can go without an update before
// the visitor is no longer counted as currently online.
func (c *Config) ActiveUserThreshold() time.Duration {
	return 2 * c.HeartbeatFrequency()
}

// SessionMemoryTimeout returns the TTL for the association-key session cache.
func (c *Config) SessionMemoryTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1 (required for test stability)
// - Development/Production: 10 (allows concurrent reads for parallel dashboard queries)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string.
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
