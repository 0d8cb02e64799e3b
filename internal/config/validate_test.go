package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Agents[0].Provider = "nope" },
			wantErr: `unknown provider "nope"`,
		},
		{
			name:    "duplicate agent",
			mutate:  func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) },
			wantErr: "duplicate id",
		},
		{
			name:    "bad tier",
			mutate:  func(c *Config) { c.Agents[0].Tier = "gold" },
			wantErr: "unknown agent tier",
		},
		{
			name: "duplicate task across stages",
			mutate: func(c *Config) {
				c.Stages[1].Tasks = append(c.Stages[1].Tasks, TaskConfig{ID: "concept-pm"})
			},
			wantErr: "duplicate task id concept-pm",
		},
		{
			name: "dependency on a later stage",
			mutate: func(c *Config) {
				c.Stages[0].Tasks[0].DependsOn = []string{"document"}
			},
			wantErr: "unknown dependency document",
		},
		{
			name: "decision with unknown contributor",
			mutate: func(c *Config) {
				c.Stages[0].Decisions[0].Contributors = []string{"concept-pm", "ghost"}
			},
			wantErr: "contributor ghost",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Stages[0].Decisions[0].Policy = "coin_flip" },
			wantErr: "unknown decision policy",
		},
		{
			name: "weight for unknown contributor",
			mutate: func(c *Config) {
				d := &c.Stages[0].Decisions[0]
				d.Policy = "weighted_score"
				d.Weights = map[string]float64{"concept-pm": 1, "other": 2}
			},
			wantErr: "weight for unknown contributor other",
		},
		{
			name:    "template parse error",
			mutate:  func(c *Config) { c.Stages[0].Tasks[0].Payload = "{{.Idea" },
			wantErr: "payload",
		},
		{
			name:    "stage output outside stage",
			mutate:  func(c *Config) { c.Stages[0].Output = "market" },
			wantErr: "output market",
		},
		{
			name:    "max attempts",
			mutate:  func(c *Config) { c.Policy.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "store driver",
			mutate:  func(c *Config) { c.Store.Driver = "etcd" },
			wantErr: `unknown driver "etcd"`,
		},
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "unknown level",
		},
		{
			name:    "command provider without command",
			mutate:  func(c *Config) { c.Providers["claude"] = ProviderConfig{Type: "command"} },
			wantErr: "command is required",
		},
		{
			name:    "no stages",
			mutate:  func(c *Config) { c.Stages = nil },
			wantErr: "no stages configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, name := range []string{"", "debug", "INFO", "warn", "error"} {
		if _, err := ParseLogLevel(name); err != nil {
			t.Errorf("ParseLogLevel(%q): %v", name, err)
		}
	}
}
