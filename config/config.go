// Package config loads the YAML configuration file used by the gojokv tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojokv"
	"github.com/sushant-115/gojokv/pkg/logger"
	"github.com/sushant-115/gojokv/pkg/telemetry"
)

// DatabaseConfig holds the engine settings.
type DatabaseConfig struct {
	// Path is the database file.
	Path string `yaml:"path"`
	// PageSize is fixed when the file is created. Zero uses the OS page size.
	PageSize int `yaml:"page_size"`
	// ForceSync syncs every commit to disk before it returns.
	ForceSync bool `yaml:"force_sync"`
	// MempoolCapacity is the page cache budget in bytes.
	MempoolCapacity int `yaml:"mempool_capacity"`
	// CompressOverflow snappy-compresses large values.
	CompressOverflow bool `yaml:"compress_overflow"`
	ReadOnly         bool `yaml:"read_only"`
}

// Config is the top-level configuration file.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "gojokv.db",
			MempoolCapacity: gojokv.DefaultMempoolCapacity,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "gojokv",
			PrometheusPort: 9464,
		},
	}
}

// Load reads the file at path on top of Default. A missing file is not an
// error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := Decode(bytes.NewReader(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r into cfg, rejecting unknown fields. Fields not
// present in the input keep their current values.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks the settings that can be checked without opening the file.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.PageSize != 0 {
		if err := (&gojokv.Options{PageSize: c.Database.PageSize}).Validate(); err != nil {
			return fmt.Errorf("database.page_size: %w", err)
		}
	}
	if c.Database.MempoolCapacity < 0 {
		return fmt.Errorf("database.mempool_capacity must not be negative, got %d", c.Database.MempoolCapacity)
	}
	return nil
}

// Options maps the database section onto engine options.
func (c *Config) Options() *gojokv.Options {
	return &gojokv.Options{
		PageSize:         c.Database.PageSize,
		ForceSync:        c.Database.ForceSync,
		MempoolCapacity:  c.Database.MempoolCapacity,
		ReadOnly:         c.Database.ReadOnly,
		CompressOverflow: c.Database.CompressOverflow,
	}
}
