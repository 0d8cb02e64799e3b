package config

import (
	"os"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/persistence"
)

// BackendConfig converts the provider to a backend configuration, expanding
// ${VAR} references from the process environment.
func (p ProviderConfig) BackendConfig() backend.Config {
	cfg := backend.Config{
		Type:    p.Type,
		Command: os.ExpandEnv(p.Command),
		WorkDir: os.ExpandEnv(p.WorkDir),
		Format:  p.Format,
		Timeout: p.Timeout,
	}
	if p.Type == "echo" && p.Prefix != "" {
		cfg.Command = p.Prefix
	}
	if len(p.Args) > 0 {
		cfg.Args = make([]string, len(p.Args))
		for i, arg := range p.Args {
			cfg.Args[i] = os.ExpandEnv(arg)
		}
	}
	if len(p.Env) > 0 {
		cfg.Env = make(map[string]string, len(p.Env))
		for key, val := range p.Env {
			cfg.Env[key] = os.ExpandEnv(val)
		}
	}
	return cfg
}

// Descriptor converts the agent declaration for registration.
func (a AgentConfig) Descriptor() (agent.Descriptor, error) {
	tier, err := agent.ParseTier(a.Tier)
	if err != nil {
		return agent.Descriptor{}, err
	}
	return agent.Descriptor{
		ID:             a.ID,
		Role:           a.Role,
		Capabilities:   append([]string(nil), a.Capabilities...),
		MaxConcurrency: a.MaxConcurrency,
		Tier:           tier,
		Weight:         a.Weight,
		Provider:       a.Provider,
		Model:          a.Model,
		SystemPrompt:   a.SystemPrompt,
	}, nil
}

// Options converts the store selection for persistence.Open.
func (s StoreConfig) Options() persistence.Options {
	return persistence.Options{
		Driver:    s.Driver,
		Path:      s.Path,
		URL:       os.ExpandEnv(s.URL),
		Namespace: s.Namespace,
	}
}
