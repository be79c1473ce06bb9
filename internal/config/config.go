package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SCRIBE"
	defaultHTTPAddress      = "0.0.0.0:1234"
	defaultDatabaseDriver   = DatabaseDriverSQLite
	defaultDatabasePath     = "scribe.db"
	defaultStorageBackend   = StorageBackendSQL
	defaultBadgerPath       = "scribe-badger"
	defaultLogLevel         = "info"
	defaultMinInterval      = 30 * time.Second
	defaultSnapshotInterval = 10 * time.Second
	defaultSaveTimeout      = 5 * time.Second
	defaultTypingIdle       = time.Second
	defaultPreviewLength    = 100
	defaultDiffMaxTokens    = 20000
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported snapshot storage backends.
const (
	StorageBackendSQL    = "sql"
	StorageBackendBadger = "badger"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	StorageBackend   string
	BadgerPath       string
	LogLevel         string
	MinInterval      time.Duration
	SnapshotInterval time.Duration
	SaveTimeout      time.Duration
	EvictOnLastLeave bool
	TypingIdle       time.Duration
	PreviewLength    int
	DiffMaxTokens    int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.badger_path", defaultBadgerPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("versioning.min_interval", defaultMinInterval)
	configViper.SetDefault("versioning.snapshot_interval", defaultSnapshotInterval)
	configViper.SetDefault("versioning.save_timeout", defaultSaveTimeout)
	configViper.SetDefault("sessions.evict_on_last_leave", false)
	configViper.SetDefault("presence.typing_idle", defaultTypingIdle)
	configViper.SetDefault("history.preview_length", defaultPreviewLength)
	configViper.SetDefault("diff.max_tokens", defaultDiffMaxTokens)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		StorageBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		BadgerPath:       configViper.GetString("storage.badger_path"),
		LogLevel:         configViper.GetString("log.level"),
		MinInterval:      configViper.GetDuration("versioning.min_interval"),
		SnapshotInterval: configViper.GetDuration("versioning.snapshot_interval"),
		SaveTimeout:      configViper.GetDuration("versioning.save_timeout"),
		EvictOnLastLeave: configViper.GetBool("sessions.evict_on_last_leave"),
		TypingIdle:       configViper.GetDuration("presence.typing_idle"),
		PreviewLength:    configViper.GetInt("history.preview_length"),
		DiffMaxTokens:    configViper.GetInt("diff.max_tokens"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.StorageBackend {
	case StorageBackendSQL:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case StorageBackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("storage.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.StorageBackend)
	}
	durations := map[string]time.Duration{
		"versioning.min_interval":      c.MinInterval,
		"versioning.snapshot_interval": c.SnapshotInterval,
		"versioning.save_timeout":      c.SaveTimeout,
		"presence.typing_idle":         c.TypingIdle,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.PreviewLength < 0 {
		return fmt.Errorf("history.preview_length must not be negative")
	}
	if c.DiffMaxTokens <= 0 {
		return fmt.Errorf("diff.max_tokens must be positive")
	}
	return nil
}

func (c AppConfig) validateDatabase() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}
