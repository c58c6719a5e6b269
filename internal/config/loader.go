package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a loop configuration from the given YAML file path.
// After parsing, it applies defaults for values the file does not set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a loop config in standard locations and loads the
// first one found. Search order: ./greenloop.yaml, ~/.greenloop/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"greenloop.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".greenloop", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no loop config found (searched: %v)", candidates)
}

// applyDefaults fills in loop-level defaults for values not set in the file.
func applyDefaults(cfg *Config) {
	l := &cfg.Loop

	if l.MaxIterations <= 0 {
		l.MaxIterations = 5
	}
	if l.Workers <= 0 {
		l.Workers = 3
	}
	if l.TestWorkers <= 0 {
		l.TestWorkers = 4
	}
	if l.MinInstances <= 0 {
		l.MinInstances = 1
	}
	if l.SessionDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			l.SessionDir = filepath.Join(home, ".greenloop", "sessions")
		}
	}
	if l.ProjectRoot == "" {
		l.ProjectRoot = "."
	}
	if l.Harness.RunIDFile == "" {
		l.Harness.RunIDFile = "run_id"
	}
}
