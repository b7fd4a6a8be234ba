package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RESONANCE"
	defaultHTTPPort     = 8080
	defaultDatabaseURL  = "sqlite://resonance.db"
	defaultGraceMinutes = 15
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the chat server.
type AppConfig struct {
	HTTPPort     int
	DatabaseURL  string
	GraceMinutes int
	LogLevel     string
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

	configViper.SetDefault("http.port", defaultHTTPPort)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("grace.minutes", defaultGraceMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPPort:     configViper.GetInt("http.port"),
		DatabaseURL:  strings.TrimSpace(configViper.GetString("database.url")),
		GraceMinutes: configViper.GetInt("grace.minutes"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// HTTPAddress is the listen address for the configured port.
func (c AppConfig) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GraceWindow is how long disrupted edges and stale backlogs survive.
func (c AppConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceMinutes) * time.Minute
}

func (c AppConfig) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.GraceMinutes <= 0 {
		return fmt.Errorf("grace.minutes must be positive, got %d", c.GraceMinutes)
	}
	return nil
}
