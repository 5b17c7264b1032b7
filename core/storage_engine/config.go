package storageengine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	"github.com/suxiao1228/mydb/pkg/logger"
	"github.com/suxiao1228/mydb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath   = "data/mydb"
	DefaultMemory = 64 << 20
)

// Config describes one database instance. Path is the base path of its
// files: <path>.db, <path>.log and <path>.xid.
type Config struct {
	Path            string           `yaml:"path"`
	Memory          int64            `yaml:"memory"`
	BackupRateBytes int64            `yaml:"backup_rate_bytes"`
	Logger          logger.Config    `yaml:"logger"`
	Telemetry       telemetry.Config `yaml:"telemetry"`
}

// LoadConfig reads a YAML config file. Unknown keys are rejected and
// missing ones take their defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Memory == 0 {
		c.Memory = DefaultMemory
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mydb"
	}
	return c
}

// Validate checks the settings that would otherwise fail deep inside Open.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	if minMemory := int64(pagemanager.MemMinLim * pagemanager.PageSize); c.Memory < minMemory {
		return fmt.Errorf("config: memory %d is below the minimum of %d bytes", c.Memory, minMemory)
	}
	if c.BackupRateBytes < 0 {
		return fmt.Errorf("config: backup_rate_bytes %d is negative", c.BackupRateBytes)
	}
	return nil
}
