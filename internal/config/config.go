package config

import (
	"fmt"

	"go-media-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when a value is missing from the config file.
const (
	DefaultConfigPath          = "config.toml"
	DefaultApiClientTimeoutSec = 60
	DefaultChunkTimeoutSec     = 30
	DefaultMaxRetries          = 3
	DefaultRetryBackoffMs      = 500
)

// DefaultSource is registered when the config lists no [[Source]] tables.
var DefaultSource = models.SourceConfig{ID: 1, Name: "direct"}

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml")
// and fills in defaults for anything left unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultConfigPath
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)

	if cfg.DownloadsPath == "" {
		log.Warn("DownloadsPath is not set in config")
	}
	if cfg.DatabasePath == "" {
		log.Warn("DatabasePath is not set in config")
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults replaces zero or invalid values with their defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if cfg.ChunkTimeoutSec <= 0 {
		cfg.ChunkTimeoutSec = DefaultChunkTimeoutSec
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoffMs <= 0 {
		cfg.RetryBackoffMs = DefaultRetryBackoffMs
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []models.SourceConfig{DefaultSource}
	}
}
