package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	Expressions    string `json:"expressions"` // jq | cel | expr
	MaxConcurrency int    `json:"max_concurrency"`
	SecretsPath    string `json:"secrets_path"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(meridianDir(), "meridian.db"),
		LogLevel:       "info",
		Expressions:    "jq",
		MaxConcurrency: 64,
	}
}

func meridianDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return filepath.Join(home, ".meridian")
}

func settingsPath() string {
	return filepath.Join(meridianDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("MERIDIAN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MERIDIAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MERIDIAN_EXPRESSIONS"); v != "" {
		cfg.Expressions = v
	}
	if v := os.Getenv("MERIDIAN_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("MERIDIAN_SECRETS_PATH"); v != "" {
		cfg.SecretsPath = v
	}

	return cfg
}

// loadSecrets reads the optional secrets file, a flat JSON object bound as
// the secrets expression variable.
func loadSecrets(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]any
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}
