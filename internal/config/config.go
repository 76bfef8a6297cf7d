// Package config loads the process-wide configuration from the
// environment knobs named in the spec's external interfaces. It
// mirrors cuemby-warren's rootCmd persistent-flags-plus-env pattern,
// but since this server has no multi-command cobra tree at startup
// (only the admin CLI does, see cmd/mindmeldctl), env vars are read
// directly into a typed struct once in main.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the fully resolved, immutable process configuration.
type Config struct {
	Port          int
	CORSOrigin    string
	SQLiteFile    string
	LogLevel      string
	FeatureMapsAPI bool
	FeatureMCP     bool
	ServerSync     bool
	DataProvider   string // "json" or "crdt"
}

// Load reads the environment knobs enumerated in the spec's external
// interfaces section, applying the documented defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:           8080,
		CORSOrigin:     "*",
		SQLiteFile:     "./data/mindmeld.sqlite",
		LogLevel:       "info",
		FeatureMapsAPI: true,
		FeatureMCP:     false,
		ServerSync:     true,
		DataProvider:   "crdt",
	}

	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v, ok := os.LookupEnv("CORS_ORIGIN"); ok {
		cfg.CORSOrigin = v
	}
	if v, ok := os.LookupEnv("SQLITE_FILE"); ok {
		cfg.SQLiteFile = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("FEATURE_MAPS_API"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid FEATURE_MAPS_API %q: %w", v, err)
		}
		cfg.FeatureMapsAPI = b
	}
	if v, ok := os.LookupEnv("FEATURE_MCP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid FEATURE_MCP %q: %w", v, err)
		}
		cfg.FeatureMCP = b
	}
	if v, ok := os.LookupEnv("SERVER_SYNC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid SERVER_SYNC %q: %w", v, err)
		}
		cfg.ServerSync = b
	}
	if v, ok := os.LookupEnv("DATA_PROVIDER"); ok {
		if v != "json" && v != "crdt" {
			return Config{}, fmt.Errorf("config: DATA_PROVIDER must be 'json' or 'crdt', got %q", v)
		}
		cfg.DataProvider = v
	}

	return cfg, nil
}
