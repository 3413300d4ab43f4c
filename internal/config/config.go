package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"gopkg.in/yaml.v3"
)

// Config carries everything the loader needs to reach PostgreSQL and the
// invest API. Values come from an optional YAML file overridden by
// environment variables.
type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	HistoryURL     string `yaml:"history_url"`
	InstrumentsURL string `yaml:"instruments_url"`

	// Token is the invest API bearer token. Environment only (INVEST_TOKEN),
	// never read from the config file.
	Token string `yaml:"-"`
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:    defaultDatabaseURL(),
		HistoryURL:     "https://invest-public-api.tinkoff.ru/history-data",
		InstrumentsURL: "https://invest-public-api.tinkoff.ru/rest",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("HISTORY_URL"); v != "" {
		cfg.HistoryURL = v
	}
	if v := os.Getenv("INSTRUMENTS_URL"); v != "" {
		cfg.InstrumentsURL = v
	}
	cfg.Token = os.Getenv("INVEST_TOKEN")

	return cfg, nil
}

// RequireToken fails when INVEST_TOKEN is unset. Only the commands that talk
// to the invest API need it; deploy works without one.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return errors.New("INVEST_TOKEN is not set")
	}
	return nil
}

// The database is named trading_bot and owned by the OS user that invokes
// the loader, so the default URL carries the current username.
func defaultDatabaseURL() string {
	username := "postgres"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	return fmt.Sprintf("postgres://%s@localhost:5432/trading_bot", username)
}
