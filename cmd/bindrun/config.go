package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bindrun/bindrun/internal/adapter"
	"github.com/bindrun/bindrun/pkg/schema"
)

// Config holds all bindrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	Concurrency int    `json:"concurrency"`
	History     bool   `json:"history"`

	// Retry applies to steps whose spec declares no retry block. Nil falls
	// back to the engine default (two retries, exponential backoff).
	Retry *schema.RetryPolicy `json:"retry,omitempty"`

	Adapter   string                 `json:"adapter"` // graphql | replay
	GraphQL   adapter.GraphQLConfig  `json:"graphql,omitempty"`
	Fixtures  string                 `json:"fixtures,omitempty"` // path for the replay adapter
	Schedules []ScheduleConfig       `json:"schedules,omitempty"`
	Extra     map[string]any         `json:"-"`
}

// ScheduleConfig binds a spec file to a cron expression for serve mode.
type ScheduleConfig struct {
	Name string `json:"name"`
	Cron string `json:"cron"`
	Spec string `json:"spec"` // path to the spec file
}

func defaultConfig() Config {
	return Config{
		DBPath:      "file:" + filepath.Join(bindrunDir(), "history.db"),
		LogLevel:    "info",
		Concurrency: 8,
		History:     true,
		Adapter:     "graphql",
	}
}

func bindrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bindrun"
	}
	return filepath.Join(home, ".bindrun")
}

func settingsPath() string {
	return filepath.Join(bindrunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BINDRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BINDRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BINDRUN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("BINDRUN_HISTORY"); v != "" {
		cfg.History = v == "true" || v == "1"
	}
	if v := os.Getenv("BINDRUN_ADAPTER"); v != "" {
		cfg.Adapter = v
	}
	if v := os.Getenv("BINDRUN_ENDPOINT"); v != "" {
		cfg.GraphQL.Endpoint = v
	}
	if v := os.Getenv("BINDRUN_BEARER_TOKEN"); v != "" {
		cfg.GraphQL.BearerToken = v
	}
	if v := os.Getenv("BINDRUN_FIXTURES"); v != "" {
		cfg.Fixtures = v
	}
	if v := os.Getenv("BINDRUN_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			if cfg.Retry == nil {
				cfg.Retry = &schema.RetryPolicy{Backoff: "exponential", Delay: "250ms", MaxDelay: "5s"}
			}
			cfg.Retry.Max = n
		}
	}

	return cfg
}
