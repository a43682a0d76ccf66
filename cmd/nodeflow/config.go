package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/env"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/timeout"
	"github.com/rendis/nodeflow/internal/validation"
)

// Config holds all nodeflow process configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBDriver            string              `yaml:"db_driver"`
	DBPath              string              `yaml:"db_path"`
	DatabaseURL         string              `yaml:"database_url,omitempty"`
	LogLevel            string              `yaml:"log_level"`
	TimeoutScanSchedule string              `yaml:"timeout_scan_schedule"`
	TimeoutWorkers      int                 `yaml:"timeout_workers"`
	TimeoutQuery        string              `yaml:"timeout_query"`
	DefaultTimeout      string              `yaml:"default_timeout,omitempty"`
	MQTTURL             string              `yaml:"mqtt_url,omitempty"`
	MQTTClientID        string              `yaml:"mqtt_client_id,omitempty"`
	MQTTTopicPrefix     string              `yaml:"mqtt_topic_prefix,omitempty"`
	MetricsAddr         string              `yaml:"metrics_addr,omitempty"`
	RollupRules         []engine.RollupRule `yaml:"rollup_rules,omitempty"`
}

const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
)

func defaultConfig() Config {
	return Config{
		DBDriver:            driverLibSQL,
		DBPath:              filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:            "info",
		TimeoutScanSchedule: timeout.DefaultSchedule,
		TimeoutWorkers:      4,
		TimeoutQuery:        engine.DefaultTimeoutQuery,
		MQTTTopicPrefix:     "nodeflow",
	}
}

func nodeflowDir() string {
	if dir := os.Getenv("NODEFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.yaml")
}

// loadConfig layers the settings file at path and NODEFLOW_* variables over
// the defaults. A missing file is not an error.
func loadConfig(path string, v validation.Validator) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := v.ValidateSettings(doc); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	cfg.DBDriver = env.String("NODEFLOW_DB_DRIVER", cfg.DBDriver)
	cfg.DBPath = env.String("NODEFLOW_DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = env.String("NODEFLOW_DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = env.String("NODEFLOW_LOG_LEVEL", cfg.LogLevel)
	cfg.TimeoutScanSchedule = env.String("NODEFLOW_TIMEOUT_SCAN_SCHEDULE", cfg.TimeoutScanSchedule)
	cfg.TimeoutQuery = env.String("NODEFLOW_TIMEOUT_QUERY", cfg.TimeoutQuery)
	cfg.DefaultTimeout = env.String("NODEFLOW_DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	cfg.MQTTURL = env.String("NODEFLOW_MQTT_URL", cfg.MQTTURL)
	cfg.MQTTClientID = env.String("NODEFLOW_MQTT_CLIENT_ID", cfg.MQTTClientID)
	cfg.MQTTTopicPrefix = env.String("NODEFLOW_MQTT_TOPIC_PREFIX", cfg.MQTTTopicPrefix)
	cfg.MetricsAddr = env.String("NODEFLOW_METRICS_ADDR", cfg.MetricsAddr)

	workers, err := env.Int("NODEFLOW_TIMEOUT_WORKERS", cfg.TimeoutWorkers)
	if err != nil {
		return err
	}
	cfg.TimeoutWorkers = workers
	return nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case driverLibSQL:
		if c.DBPath == "" {
			return errors.New("db_path is required for libsql")
		}
	case driverPostgres:
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.TimeoutWorkers < 1 {
		return errors.New("timeout_workers must be >= 1")
	}
	if _, err := c.defaultTimeout(); err != nil {
		return err
	}
	return nil
}

func (c Config) defaultTimeout() (time.Duration, error) {
	if c.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("default_timeout: %w", err)
	}
	return d, nil
}
