package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DYNCONF"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "dynconf.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 30 * time.Minute
	defaultIdleThreshold = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
	defaultHistoryLimit  = 50
	defaultEventChannel  = "dynconf:config-events"
)

// AppConfig captures runtime configuration for the configuration service.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string
	TokenTTL      time.Duration
	IdleThreshold time.Duration
	SweepInterval time.Duration
	HistoryLimit  int
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	EventChannel  string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("realtime.idle_threshold_minutes", int(defaultIdleThreshold.Minutes()))
	configViper.SetDefault("realtime.sweep_interval_minutes", int(defaultSweepInterval.Minutes()))
	configViper.SetDefault("history.limit", defaultHistoryLimit)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.event_channel", defaultEventChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		IdleThreshold: time.Duration(configViper.GetInt("realtime.idle_threshold_minutes")) * time.Minute,
		SweepInterval: time.Duration(configViper.GetInt("realtime.sweep_interval_minutes")) * time.Minute,
		HistoryLimit:  configViper.GetInt("history.limit"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		EventChannel:  configViper.GetString("redis.event_channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("realtime.idle_threshold_minutes must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history.limit must be positive")
	}
	return nil
}
