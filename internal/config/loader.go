package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension on top of Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].RetryCount == 0 {
			cfg.Webhooks[i].RetryCount = 3
		}
		if cfg.Webhooks[i].TimeoutSeconds == 0 {
			cfg.Webhooks[i].TimeoutSeconds = 30
		}
		if cfg.Webhooks[i].RetryDelaySeconds == 0 {
			cfg.Webhooks[i].RetryDelaySeconds = 5
		}
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from files into the process environment.
// Variables already set are not overridden. Missing files are ignored when
// no explicit path is given.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return godotenv.Load()
	}
	return godotenv.Load(paths...)
}

// FromEnv overlays environment variables onto base. Unset variables keep the
// value from base; webhooks are only configurable from a file.
func FromEnv(base Config) (Config, error) {
	cfg := base
	targets := []any{
		&cfg.Model, &cfg.Inference, &cfg.Server, &cfg.Logging,
		&cfg.Backend, &cfg.Storage, &cfg.Batch,
	}
	for _, t := range targets {
		if err := env.Parse(t); err != nil {
			return base, fmt.Errorf("environment: %w", err)
		}
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the optional
// file, then the environment. The result is validated.
func Resolve(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	cfg, err := FromEnv(cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
