package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "PATROLSYNC"

	defaultControlAddress       = "127.0.0.1:7410"
	defaultDatabasePath         = "patrolsync.db"
	defaultLogLevel             = "info"
	defaultSyncIntervalSeconds  = 60
	defaultLocationBatchSize    = 50
	defaultGeofenceRadiusMeters = 75.0
	defaultMaxReportLength      = 4000
	defaultBackoffCapSeconds    = 300
	defaultHTTPTimeoutSeconds   = 30
)

// AppConfig captures runtime configuration for the patrol agent.
type AppConfig struct {
	ControlAddress       string
	ControlToken         string
	RemoteBaseURL        string
	DatabasePath         string
	LogLevel             string
	UserID               string
	DeviceID             string
	SyncInterval         time.Duration
	LocationBatchSize    int
	GeofenceRadiusMeters float64
	MaxReportLength      int
	BackoffCap           time.Duration
	HTTPTimeout          time.Duration
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

	configViper.SetDefault("control.address", defaultControlAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.location_batch_size", defaultLocationBatchSize)
	configViper.SetDefault("sync.backoff_cap_seconds", defaultBackoffCapSeconds)
	configViper.SetDefault("geofence.radius_meters", defaultGeofenceRadiusMeters)
	configViper.SetDefault("reports.max_length", defaultMaxReportLength)
	configViper.SetDefault("remote.timeout_seconds", defaultHTTPTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ControlAddress:       configViper.GetString("control.address"),
		ControlToken:         configViper.GetString("control.token"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		UserID:               configViper.GetString("operator.user_id"),
		DeviceID:             configViper.GetString("operator.device_id"),
		SyncInterval:         time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		LocationBatchSize:    configViper.GetInt("sync.location_batch_size"),
		GeofenceRadiusMeters: configViper.GetFloat64("geofence.radius_meters"),
		MaxReportLength:      configViper.GetInt("reports.max_length"),
		BackoffCap:           time.Duration(configViper.GetInt("sync.backoff_cap_seconds")) * time.Second,
		HTTPTimeout:          time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ControlToken) == "" {
		return fmt.Errorf("control.token is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("operator.user_id is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.LocationBatchSize <= 0 {
		return fmt.Errorf("sync.location_batch_size must be positive")
	}
	if c.GeofenceRadiusMeters <= 0 {
		return fmt.Errorf("geofence.radius_meters must be positive")
	}
	return nil
}
