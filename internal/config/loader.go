package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. DEEPPRODUCT_POLICY_MAX_ATTEMPTS.
const EnvPrefix = "DEEPPRODUCT"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Maps such as providers merge per key; lists such
// as agents and stages are replaced wholesale by the file that sets them.
// Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.deepproduct/config.yaml
// Project: .deepproduct/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".deepproduct", "config.yaml"), nil
}

// ProjectPath returns the project config file path.
func ProjectPath() string {
	return filepath.Join(".deepproduct", "config.yaml")
}

// setDefaults seeds v with DefaultConfig so that files only need to carry
// the keys they change.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	v.SetConfigType("yaml")
	return v.ReadConfig(bytes.NewReader(data))
}

// mergeConfigFile merges the file at path into v. The format follows the
// file extension (yaml, yml or json). Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	fv := viper.New()
	fv.SetConfigFile(path)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}

// normalize undoes viper's key lowercasing where keys are identifiers that
// appear elsewhere in their original case.
func (c *Config) normalize() {
	for name, p := range c.Providers {
		if len(p.Env) == 0 {
			continue
		}
		// Environment variable names are conventionally upper case.
		env := make(map[string]string, len(p.Env))
		for key, val := range p.Env {
			env[strings.ToUpper(key)] = val
		}
		p.Env = env
		c.Providers[name] = p
	}
	for si := range c.Stages {
		stage := &c.Stages[si]
		for di := range stage.Decisions {
			dc := &stage.Decisions[di]
			if len(dc.Weights) == 0 {
				continue
			}
			weights := make(map[string]float64, len(dc.Weights))
			for key, w := range dc.Weights {
				id := key
				for _, contributor := range dc.Contributors {
					if strings.EqualFold(contributor, key) {
						id = contributor
						break
					}
				}
				weights[id] = w
			}
			dc.Weights = weights
		}
	}
}

// Provider looks up a provider by name. Names are case-insensitive.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	if p, ok := c.Providers[name]; ok {
		return p, true
	}
	for key, p := range c.Providers {
		if strings.EqualFold(key, name) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Agent looks up an agent by ID.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Stage looks up a stage by name.
func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// StageNames returns the stage names in pipeline order.
func (c *Config) StageNames() []string {
	names := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		names[i] = s.Name
	}
	return names
}
