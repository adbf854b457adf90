// Package config loads the worker configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

const DefaultSweepInterval = time.Hour

type Config struct {
	// Version tag of the deployment, e.g. "skybridge-v1".
	Version string `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	// Origin to fetch from.
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// Hostname to use for origin requests and TLS negotiation, if it differs from the origin URL.
	Host string `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	// Cache DB file name ("memory" for an in-memory db).
	DB string `yaml:"db" env:"OFFLINE_CACHE_DB"`

	// Paths to pre-cache at install.
	Precache      []string `yaml:"precache" env:"OFFLINE_CACHE_PRECACHE" envSeparator:","`
	OfflinePage   string   `yaml:"offlinePage" env:"OFFLINE_CACHE_OFFLINE_PAGE"`
	FallbackImage string   `yaml:"fallbackImage" env:"OFFLINE_CACHE_FALLBACK_IMAGE"`
	// Activate right after install instead of waiting for a SKIP_WAITING message.
	SkipWaiting bool `yaml:"skipWaiting" env:"OFFLINE_CACHE_SKIP_WAITING"`

	MaxAge             time.Duration `yaml:"maxAge" env:"OFFLINE_CACHE_MAX_AGE"`
	SweepInterval      time.Duration `yaml:"sweepInterval" env:"OFFLINE_CACHE_SWEEP_INTERVAL"`
	InstallConcurrency int           `yaml:"installConcurrency" env:"OFFLINE_CACHE_INSTALL_CONCURRENCY"`

	// Default notification text when a push carries no payload.
	PushTitle string `yaml:"pushTitle" env:"OFFLINE_CACHE_PUSH_TITLE"`
	PushBody  string `yaml:"pushBody" env:"OFFLINE_CACHE_PUSH_BODY"`
	PushIcon  string `yaml:"pushIcon" env:"OFFLINE_CACHE_PUSH_ICON"`
	// Page opened when a notification is clicked, defaults to the origin root.
	NotificationURL string `yaml:"notificationURL" env:"OFFLINE_CACHE_NOTIFICATION_URL"`

	Rules strategy.Rules `yaml:"rules"`
}

// Load reads the config file (if filename is not empty), then applies environment overrides
// and defaults.
func Load(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	config.ApplyDefaults()
	return config, nil
}

// ApplyDefaults fills in every unset field.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.DB == "" {
		c.DB = "cache.db"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = offlinecache.DefaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = offlinecache.DefaultInstallConcurrency
	}
	c.Rules = c.Rules.Merge(strategy.DefaultRules())
}

// Validate reports missing required settings.
func (c Config) Validate() error {
	var errs []error
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	}
	return errors.Join(errs...)
}
