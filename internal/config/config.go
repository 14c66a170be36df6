// Package config loads the TOML configuration file, creating it with
// defaults on first run. LOGSCOPE_* environment variables override values
// from the file without writing back.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Ingest  IngestConfig  `toml:"ingest"`
	Session SessionConfig `toml:"session"`
	Anomaly AnomalyConfig `toml:"anomaly"`
}

type ServerConfig struct {
	LogLevel string `toml:"log_level"`
}

type StoreConfig struct {
	DataDir        string `toml:"data_dir"`
	MaxTableSizeMB int    `toml:"max_table_size_mb"`
	RetentionHours int    `toml:"retention_hours"`
}

type IngestConfig struct {
	BatchSize int `toml:"batch_size"`
	Workers   int `toml:"workers"`
}

type SessionConfig struct {
	InactivityGapSec int `toml:"inactivity_gap_sec"`
}

type AnomalyConfig struct {
	BucketMinutes  int     `toml:"bucket_minutes"`
	ScoreThreshold float64 `toml:"score_threshold"`
	Seed           int64   `toml:"seed"`
	TimeoutSec     int     `toml:"timeout_sec"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: "info"},
		Store: StoreConfig{
			DataDir:        "./data",
			MaxTableSizeMB: 64,
			RetentionHours: 24 * 30,
		},
		Ingest: IngestConfig{
			BatchSize: 1000,
			Workers:   4,
		},
		Session: SessionConfig{InactivityGapSec: 1800},
		Anomaly: AnomalyConfig{
			BucketMinutes:  60,
			ScoreThreshold: 3.0,
			Seed:           1,
			TimeoutSec:     30,
		},
	}
}

// LoadOrInit loads the config file, creating it with defaults when missing.
// The second return value reports whether a new file was written.
func LoadOrInit(path string) (*Config, bool, error) {
	created := false

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		applyEnvOverrides(cfg)
		if err := writeToml(path, cfg); err != nil {
			slog.Warn("could not write config file, using in-memory defaults", "path", path, "error", err)
			return cfg, true, cfg.Validate()
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, created, err
	}
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, created, err
	}
	applyEnvOverrides(cfg)

	return cfg, created, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return errors.New("store.data_dir must not be empty")
	}
	if c.Store.MaxTableSizeMB <= 0 {
		return fmt.Errorf("store.max_table_size_mb must be positive, got %d", c.Store.MaxTableSizeMB)
	}
	if c.Store.RetentionHours < 0 {
		return fmt.Errorf("store.retention_hours must not be negative, got %d", c.Store.RetentionHours)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Session.InactivityGapSec <= 0 {
		return fmt.Errorf("session.inactivity_gap_sec must be positive, got %d", c.Session.InactivityGapSec)
	}
	if c.Anomaly.BucketMinutes <= 0 {
		return fmt.Errorf("anomaly.bucket_minutes must be positive, got %d", c.Anomaly.BucketMinutes)
	}
	if c.Anomaly.ScoreThreshold <= 0 {
		return fmt.Errorf("anomaly.score_threshold must be positive, got %g", c.Anomaly.ScoreThreshold)
	}
	if c.Anomaly.TimeoutSec <= 0 {
		return fmt.Errorf("anomaly.timeout_sec must be positive, got %d", c.Anomaly.TimeoutSec)
	}
	return nil
}

func (c *Config) Save(path string) error {
	return writeToml(path, c)
}

func writeToml(path string, cfg *Config) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	return os.WriteFile(path, b, 0644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOGSCOPE_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("LOGSCOPE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("LOGSCOPE_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.RetentionHours = n
		}
	}
	if v := os.Getenv("LOGSCOPE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.BatchSize = n
		}
	}
	if v := os.Getenv("LOGSCOPE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Workers = n
		}
	}
	if v := os.Getenv("LOGSCOPE_ANOMALY_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Anomaly.Seed = n
		}
	}
}
