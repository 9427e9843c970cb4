package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "rekko"
	EnvFileName = "config.env"
)

// Config holds the client library's runtime settings.
type Config struct {
	APIBaseURL    string
	StorePath     string
	StoreKey      string
	RefreshMargin time.Duration
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// FromEnv builds a Config from environment variables. REKKO_STORE_KEY is
// required; everything else has a sensible default.
func FromEnv() (Config, error) {
	cfg := Config{
		APIBaseURL:    os.Getenv("REKKO_API_BASE_URL"),
		StorePath:     os.Getenv("REKKO_STORE_PATH"),
		StoreKey:      os.Getenv("REKKO_STORE_KEY"),
		RefreshMargin: time.Minute,
	}

	if cfg.StoreKey == "" {
		return Config{}, fmt.Errorf("REKKO_STORE_KEY is not set")
	}

	if cfg.StorePath == "" {
		configBase, err := os.UserConfigDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config directory: %w", err)
		}
		dir := filepath.Join(configBase, AppName)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return Config{}, fmt.Errorf("failed to create config directory: %w", err)
		}
		cfg.StorePath = filepath.Join(dir, "credentials.db")
	}

	if raw := os.Getenv("REKKO_REFRESH_MARGIN"); raw != "" {
		margin, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("REKKO_REFRESH_MARGIN must be a duration: %w", err)
		}
		cfg.RefreshMargin = margin
	}

	return cfg, nil
}
