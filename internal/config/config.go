// Package config assembles runtime settings from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Backend is one of ephemeral, relational, full.
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"db_path"`

	// MaintenanceSchedule is a standard 5-field cron expression; empty
	// disables the maintenance jobs.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	Embedder EmbedderConfig `yaml:"embedder"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type EmbedderConfig struct {
	// Provider is "ollama" or "none".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func Load() (*Config, error) {
	cfg := &Config{
		Backend:             "full",
		DBPath:              "aimmed.db",
		MaintenanceSchedule: "0 3 * * *",
		Embedder: EmbedderConfig{
			Provider: "none",
		},
	}

	if path := os.Getenv("AIMMED_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	switch cfg.Backend {
	case "ephemeral", "relational", "full":
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	switch cfg.Embedder.Provider {
	case "", "none", "ollama":
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Embedder.Provider)
	}
	if cfg.Archive.Enabled && cfg.Archive.Endpoint == "" {
		return nil, fmt.Errorf("archive enabled but no endpoint configured")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Backend, "AIMMED_BACKEND")
	setString(&cfg.DBPath, "AIMMED_DB")
	setString(&cfg.MaintenanceSchedule, "AIMMED_MAINTENANCE")

	setString(&cfg.Embedder.Provider, "AIMMED_EMBEDDER")
	setString(&cfg.Embedder.BaseURL, "OLLAMA_URL")
	setString(&cfg.Embedder.Model, "OLLAMA_EMBED_MODEL")

	if os.Getenv("AIMMED_ARCHIVE_ENDPOINT") != "" {
		cfg.Archive.Enabled = true
	}
	setString(&cfg.Archive.Endpoint, "AIMMED_ARCHIVE_ENDPOINT")
	setString(&cfg.Archive.AccessKey, "AIMMED_ARCHIVE_ACCESS_KEY")
	setString(&cfg.Archive.SecretKey, "AIMMED_ARCHIVE_SECRET_KEY")
	setString(&cfg.Archive.Bucket, "AIMMED_ARCHIVE_BUCKET")
	if os.Getenv("AIMMED_ARCHIVE_SSL") == "true" {
		cfg.Archive.UseSSL = true
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
