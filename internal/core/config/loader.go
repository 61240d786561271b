package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/bridge/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Bridge.Threshold == 0 {
		cfg.Bridge.Threshold = 3
	}
	if cfg.Bridge.CollectWindow == 0 {
		cfg.Bridge.CollectWindow = 10 * time.Minute
	}
	if cfg.Bridge.GraceWindow == 0 {
		cfg.Bridge.GraceWindow = time.Hour
	}
	if cfg.Bridge.SweepInterval == 0 {
		cfg.Bridge.SweepInterval = 30 * time.Second
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].TimeoutMode == "" {
			cfg.Chains[i].TimeoutMode = domain.TimeoutByHeight
		}
		if cfg.Chains[i].TimeoutDelta == 0 {
			cfg.Chains[i].TimeoutDelta = 100
		}
	}
}
