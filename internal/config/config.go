package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"goalline/internal/domain"
)

// Config models goalline.yml.
type Config struct {
	Goals struct {
		// DefaultModes maps goal type -> completion mode applied at creation
		// when the caller does not pick one.
		DefaultModes map[string]string `yaml:"default_modes"`
	} `yaml:"goals"`
	Approval struct {
		MinAuthorityLevel int `yaml:"min_authority_level"`
	} `yaml:"approval"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default when none exists.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Approval.MinAuthorityLevel < 1 {
		return fmt.Errorf("config.approval.min_authority_level must be >= 1")
	}
	if len(c.Goals.DefaultModes) == 0 {
		return fmt.Errorf("config.goals.default_modes is required")
	}
	for typ, mode := range c.Goals.DefaultModes {
		if !domain.GoalType(typ).Valid() {
			return fmt.Errorf("config.goals.default_modes has unknown goal type %s", typ)
		}
		if !domain.CompletionMode(mode).Valid() {
			return fmt.Errorf("default mode %s for goal type %s is not a completion mode", mode, typ)
		}
	}
	return nil
}

// DefaultMode returns the completion mode a new goal of this type gets when
// the caller does not specify one.
func (c *Config) DefaultMode(typ domain.GoalType) domain.CompletionMode {
	if mode, ok := c.Goals.DefaultModes[string(typ)]; ok {
		return domain.CompletionMode(mode)
	}
	return domain.ModeAutomatic
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "goalline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `goals:
  default_modes:
    achievable: automatic
    continuous: automatic
    directional: automatic
    exploratory: manual
    meta: aggregate

approval:
  min_authority_level: 2
`
