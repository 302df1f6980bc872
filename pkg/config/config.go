// Package config provides configuration loading and management for mtlognorm.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mtlognorm/pkg/normalise"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Normalisation parameters
	Normalisation struct {
		// Value is the target the summed tissue compartments are
		// normalised to
		Value float64 `yaml:"value"`

		// MaxIter caps both the outer and the inner estimation loops
		MaxIter int `yaml:"maxIter"`

		// Independent normalises each tissue type with its own factor
		// instead of a single common factor
		Independent bool `yaml:"independent"`
	} `yaml:"normalisation"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for the
		// voxel-parallel passes
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Force authorises overwriting existing output files
		Force bool `yaml:"force"`

		// Verbose enables per-iteration debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Normalisation.Value = normalise.DefaultNormValue
	cfg.Normalisation.MaxIter = normalise.DefaultMaxIter
	cfg.Normalisation.Independent = false

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Output.Force = false
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
