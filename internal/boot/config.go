package boot

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/dtprobe/internal/echo"
	"github.com/tinyrange/dtprobe/internal/exercise"
	"gopkg.in/yaml.v3"
)

// Config tunes a run. The zero value is usable after normalize.
type Config struct {
	Version  int    `yaml:"version"`
	LogLevel string `yaml:"logLevel"`
	// HoldDuration keeps the display routine's picture on screen.
	HoldDuration time.Duration `yaml:"holdDuration,omitempty"`
	// HaltOnFatal stops the run at the first routine failure. Defaults
	// to true.
	HaltOnFatal *bool `yaml:"haltOnFatal,omitempty"`
	// DMASizeMB is the size of the DMA window carved from the top of RAM
	// on bare metal.
	DMASizeMB uint64 `yaml:"dmaSizeMB,omitempty"`

	Echo echo.Config `yaml:"echo"`
}

const defaultDMASizeMB = 16

// DefaultConfig returns the configuration used by Main.
func DefaultConfig() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HoldDuration == 0 {
		c.HoldDuration = exercise.DefaultHoldDuration
	}
	if c.HaltOnFatal == nil {
		halt := true
		c.HaltOnFatal = &halt
	}
	if c.DMASizeMB == 0 {
		c.DMASizeMB = defaultDMASizeMB
	}
	if c.Echo == (echo.Config{}) {
		c.Echo = echo.DefaultConfig()
	}
}

// Halt reports whether the run stops at the first routine failure.
func (c Config) Halt() bool {
	return c.HaltOnFatal == nil || *c.HaltOnFatal
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// ParseConfig decodes a YAML run configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse run config: %w", err)
	}
	cfg.normalize()
	if _, err := cfg.Level(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML run configuration from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}
