package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds client settings, loaded from environment variables.
type Config struct {
	AppName           string        `env:"APP_NAME" envDefault:"MekongCart"`
	BaseURL           string        `env:"BASE_URL" envDefault:"https://api.mekongcart.dev"`
	DataDir           string        `env:"DATA_DIR"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	OrderPollInterval time.Duration `env:"ORDER_POLL_INTERVAL" envDefault:"5s"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// New loads configuration from the environment.
func New() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir(cfg.AppName)
	}
	return cfg, nil
}

// PrefsPath returns the location of the preferences database.
func (c Config) PrefsPath() string {
	return filepath.Join(c.DataDir, "prefs.db")
}

func defaultDataDir(appName string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, appName)
}
