/*
Package config loads service configuration from a YAML file.

PURPOSE:
  One place for everything tunable at deploy time: HTTP port, database
  path, release sweep interval, and logging. Flags in cmd/server override
  the file for quick local runs.

EXAMPLE (config.yaml):
  port: 8080
  db_path: ./data/loyalty.db
  scheduler:
    enabled: true
    interval_s: 60
    page_size: 100
  logging:
    level: info
    file: ""          # empty = stderr only
    max_size_mb: 100
    max_backups: 5
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SchedulerConfig struct {
	Enabled   bool `yaml:"enabled"`
	IntervalS int  `yaml:"interval_s"`
	PageSize  int  `yaml:"page_size"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug / info / warn / error
	File       string `yaml:"file"`        // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"` // rotation threshold
	MaxBackups int    `yaml:"max_backups"`
}

type Config struct {
	Port      int             `yaml:"port"`
	DBPath    string          `yaml:"db_path"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Port:   8080,
		DBPath: "loyalty.db",
		Scheduler: SchedulerConfig{
			Enabled:   true,
			IntervalS: 60,
			PageSize:  100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads and validates a YAML config file, filling in defaults for
// anything omitted.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.DBPath == "" {
		return cfg, fmt.Errorf("db_path is required")
	}
	if cfg.Scheduler.IntervalS <= 0 {
		cfg.Scheduler.IntervalS = 60
	}
	if cfg.Scheduler.PageSize <= 0 {
		cfg.Scheduler.PageSize = 100
	}
	return cfg, nil
}
