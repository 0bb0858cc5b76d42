// Package config loads the contimg YAML configuration and applies the
// environment overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvExclude7M enables short-baseline exclusion when set to any non-empty value.
const EnvExclude7M = "EXCLUDE_7M"

// Completion policies.
const (
	PolicyExists = "exists" // an existing primary image means done
	PolicyLedger = "ledger" // as above, unless the ledger shows an unfinished attempt
)

var (
	ErrInvalidPolicy  = errors.New("config: invalid completion policy")
	ErrInvalidWorkers = errors.New("config: worker count must be at least 1")
	ErrNoRobust       = errors.New("config: at least one robust value is required")
	ErrNoCommand      = errors.New("config: toolkit command is empty")
)

// Imaging holds the parameters handed to the geometry resolver and tclean.
type Imaging struct {
	PixscaleArcsec float64   `yaml:"pixscale_arcsec"`
	SPW            int       `yaml:"spw"`
	Robust         []float64 `yaml:"robust"`
	Niter          int       `yaml:"niter"`
	Scales         []int     `yaml:"scales"`
	Nterms         int       `yaml:"nterms"`
}

// Config represents the complete configuration.
type Config struct {
	WorkDir          string `yaml:"work_dir"`
	OutputDir        string `yaml:"output_dir"`
	Exclude7M        bool   `yaml:"exclude_7m"`
	CompletionPolicy string `yaml:"completion_policy"`

	Imaging Imaging `yaml:"imaging"`

	Workers struct {
		Count int `yaml:"count"`
	} `yaml:"workers"`

	Toolkit struct {
		Command     []string      `yaml:"command"`
		Timeout     time.Duration `yaml:"timeout"`
		PythonPath  []string      `yaml:"python_path"`
		KeepScripts bool          `yaml:"keep_scripts"`
	} `yaml:"toolkit"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the configuration matching the original imaging scripts.
func Default() *Config {
	cfg := &Config{
		WorkDir:          ".",
		OutputDir:        "imaging_results",
		CompletionPolicy: PolicyExists,
		Imaging: Imaging{
			PixscaleArcsec: 0.05,
			SPW:            0,
			Robust:         []float64{-2, 0, 2},
			Niter:          10000,
			Scales:         []int{0, 3, 9, 27, 81},
			Nterms:         2,
		},
	}
	cfg.Workers.Count = 1
	cfg.Toolkit.Command = []string{"casa", "--nogui", "--nologger", "--agg", "-c"}
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables using lookup (os.LookupEnv in
// production). It is the only place EXCLUDE_7M is read.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvExclude7M); ok && v != "" {
		c.Exclude7M = true
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.CompletionPolicy {
	case PolicyExists, PolicyLedger:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.CompletionPolicy)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers.Count)
	}
	if len(c.Imaging.Robust) == 0 {
		return ErrNoRobust
	}
	if len(c.Toolkit.Command) == 0 {
		return ErrNoCommand
	}
	if c.Imaging.PixscaleArcsec <= 0 {
		return fmt.Errorf("config: pixscale_arcsec must be positive, got %v", c.Imaging.PixscaleArcsec)
	}
	return nil
}
