package swarm

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors Config with yaml tags and string durations, the shape
// a swarm.yaml file on disk actually takes.
type yamlConfig struct {
	MaxHandoffs                      int    `yaml:"maxHandoffs"`
	MaxIterations                    int    `yaml:"maxIterations"`
	ExecutionTimeout                 string `yaml:"executionTimeout"`
	NodeTimeout                      string `yaml:"nodeTimeout"`
	RepetitiveHandoffWindow          int    `yaml:"repetitiveHandoffWindow"`
	RepetitiveHandoffMinUniqueAgents int    `yaml:"repetitiveHandoffMinUniqueAgents"`
	MaxRunTotalTokens                int    `yaml:"maxRunTotalTokens"`
	NodeTimeoutPolicy                string `yaml:"nodeTimeoutPolicy"`
}

// ConfigFromYAML reads a swarm Config from a YAML file at path, starting
// from DefaultConfig and overriding only the fields the file sets.
func ConfigFromYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("swarm: reading config: %w", err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("swarm: parsing config: %w", err)
	}
	return mergeYAMLConfig(DefaultConfig(), raw)
}

func mergeYAMLConfig(base Config, override yamlConfig) (Config, error) {
	if override.MaxHandoffs > 0 {
		base.MaxHandoffs = override.MaxHandoffs
	}
	if override.MaxIterations > 0 {
		base.MaxIterations = override.MaxIterations
	}
	if override.ExecutionTimeout != "" {
		d, err := time.ParseDuration(override.ExecutionTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("swarm: invalid executionTimeout: %w", err)
		}
		base.ExecutionTimeout = d
	}
	if override.NodeTimeout != "" {
		d, err := time.ParseDuration(override.NodeTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("swarm: invalid nodeTimeout: %w", err)
		}
		base.NodeTimeout = d
	}
	if override.RepetitiveHandoffWindow > 0 {
		base.RepetitiveHandoffWindow = override.RepetitiveHandoffWindow
	}
	if override.RepetitiveHandoffMinUniqueAgents > 0 {
		base.RepetitiveHandoffMinUniqueAgents = override.RepetitiveHandoffMinUniqueAgents
	}
	if override.MaxRunTotalTokens > 0 {
		base.MaxRunTotalTokens = override.MaxRunTotalTokens
	}
	if override.NodeTimeoutPolicy != "" {
		base.NodeTimeoutPolicy = NodeTimeoutPolicy(override.NodeTimeoutPolicy)
	}
	return base, nil
}

// WriteConfigYAML serializes cfg to path, the counterpart to ConfigFromYAML
// for tooling that wants to persist a generated or edited Config.
func WriteConfigYAML(path string, cfg Config) error {
	raw := yamlConfig{
		MaxHandoffs:                      cfg.MaxHandoffs,
		MaxIterations:                    cfg.MaxIterations,
		ExecutionTimeout:                 cfg.ExecutionTimeout.String(),
		NodeTimeout:                      cfg.NodeTimeout.String(),
		RepetitiveHandoffWindow:          cfg.RepetitiveHandoffWindow,
		RepetitiveHandoffMinUniqueAgents: cfg.RepetitiveHandoffMinUniqueAgents,
		MaxRunTotalTokens:                cfg.MaxRunTotalTokens,
		NodeTimeoutPolicy:                string(cfg.NodeTimeoutPolicy),
	}
	data, err := yaml.Marshal(&raw)
	if err != nil {
		return fmt.Errorf("swarm: marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
