package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flowrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	PoolSize         int    `json:"pool_size"`
	MaxSteps         int    `json:"max_steps"`
	AgentsPath       string `json:"agents_path"`
	ConnectorBaseURL string `json:"connector_base_url"`
	ConnectorAPIKey  string `json:"connector_api_key"`
	TickSeconds      int    `json:"tick_seconds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(flowrunDir(), "flowrun.db"),
		LogLevel:    "info",
		PoolSize:    8,
		MaxSteps:    1000,
		AgentsPath:  filepath.Join(flowrunDir(), "agents.json"),
		TickSeconds: 60,
	}
}

func flowrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

func settingsPath() string {
	return filepath.Join(flowrunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWRUN_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWRUN_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := os.Getenv("FLOWRUN_AGENTS_PATH"); v != "" {
		cfg.AgentsPath = v
	}
	if v := os.Getenv("FLOWRUN_CONNECTOR_BASE_URL"); v != "" {
		cfg.ConnectorBaseURL = v
	}
	if v := os.Getenv("FLOWRUN_CONNECTOR_API_KEY"); v != "" {
		cfg.ConnectorAPIKey = v
	}
	if v := os.Getenv("FLOWRUN_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickSeconds = n
		}
	}

	return cfg
}
