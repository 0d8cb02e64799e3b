package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/consensus"
	"github.com/aristath/deepproduct/internal/prompt"
)

// Validate checks the configuration for references and values the engine
// cannot run with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, p := range c.Providers {
		switch p.Type {
		case "command":
			if p.Command == "" {
				add("provider %s: command is required", name)
			}
		case "echo", "":
		default:
			add("provider %s: unknown type %q", name, p.Type)
		}
		switch p.Format {
		case "", "json", "text":
		default:
			add("provider %s: unknown format %q", name, p.Format)
		}
	}

	if len(c.Agents) == 0 {
		add("no agents configured")
	}
	agentIDs := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			add("agent #%d: id is required", i)
			continue
		}
		if agentIDs[a.ID] {
			add("agent %s: duplicate id", a.ID)
		}
		agentIDs[a.ID] = true
		if _, ok := c.Provider(a.Provider); !ok {
			add("agent %s: unknown provider %q", a.ID, a.Provider)
		}
		if _, err := agent.ParseTier(a.Tier); err != nil {
			add("agent %s: %w", a.ID, err)
		}
		if a.MaxConcurrency < 0 {
			add("agent %s: max_concurrency must not be negative", a.ID)
		}
	}

	errs = append(errs, c.validateStages()...)
	errs = append(errs, c.Policy.validate()...)

	switch c.Store.Driver {
	case "", "sqlite":
		if c.Store.Path == "" {
			add("store: sqlite requires a path")
		}
	case "redis":
		if c.Store.URL == "" {
			add("store: redis requires a url")
		}
	case "memory":
	default:
		add("store: unknown driver %q", c.Store.Driver)
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		add("log: unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func (c *Config) validateStages() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Stages) == 0 {
		add("no stages configured")
	}
	stageNames := make(map[string]bool, len(c.Stages))
	// IDs of tasks and gates declared so far, across stages.
	declared := make(map[string]bool)
	for _, s := range c.Stages {
		if s.Name == "" {
			add("stage with empty name")
		} else if stageNames[s.Name] {
			add("stage %s: duplicate name", s.Name)
		}
		stageNames[s.Name] = true
		if len(s.Tasks) == 0 {
			add("stage %s: no tasks", s.Name)
		}

		local := make(map[string]bool, len(s.Tasks)+len(s.Decisions))
		for _, t := range s.Tasks {
			if t.ID == "" {
				add("stage %s: task with empty id", s.Name)
				continue
			}
			if declared[t.ID] || local[t.ID] {
				add("stage %s: duplicate task id %s", s.Name, t.ID)
			}
			local[t.ID] = true
		}
		for _, d := range s.Decisions {
			if d.ID == "" {
				add("stage %s: decision with empty id", s.Name)
				continue
			}
			if declared[d.ID] || local[d.ID] {
				add("stage %s: decision id %s collides with another task", s.Name, d.ID)
			}
			local[d.ID] = true
		}

		for _, t := range s.Tasks {
			for _, dep := range t.DependsOn {
				if !local[dep] || dep == t.ID {
					add("task %s: unknown dependency %s in stage %s", t.ID, dep, s.Name)
				}
			}
			if t.MaxAttempts < 0 {
				add("task %s: max_attempts must not be negative", t.ID)
			}
			if err := prompt.Check(t.Payload); err != nil {
				add("task %s: payload: %w", t.ID, err)
			}
			if err := prompt.Check(t.Template); err != nil {
				add("task %s: template: %w", t.ID, err)
			}
		}

		for _, d := range s.Decisions {
			if len(d.Contributors) == 0 {
				add("decision %s: no contributors", d.ID)
			}
			contributors := make(map[string]bool, len(d.Contributors))
			for _, id := range d.Contributors {
				if !local[id] || id == d.ID {
					add("decision %s: contributor %s is not a task of stage %s", d.ID, id, s.Name)
				}
				contributors[id] = true
			}
			policy, err := consensus.ParsePolicy(d.Policy)
			if err != nil {
				add("decision %s: %w", d.ID, err)
			}
			if policy == consensus.WeightedScore {
				for id, w := range d.Weights {
					if !contributors[id] {
						add("decision %s: weight for unknown contributor %s", d.ID, id)
					}
					if w < 0 {
						add("decision %s: negative weight for %s", d.ID, id)
					}
				}
			}
		}

		if s.Output != "" && !local[s.Output] {
			add("stage %s: output %s is not a task of the stage", s.Name, s.Output)
		}
		for id := range local {
			declared[id] = true
		}
	}
	return errs
}

func (p PolicyConfig) validate() []error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("policy: max_attempts must be at least 1"))
	}
	if p.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("policy: task_timeout must be positive"))
	}
	if p.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("policy: run_timeout must not be negative"))
	}
	if p.CheckpointEvery < 0 || p.CheckpointRetain < 0 {
		errs = append(errs, fmt.Errorf("policy: checkpoint settings must not be negative"))
	}
	if p.StarvationCycles < 1 {
		errs = append(errs, fmt.Errorf("policy: starvation_cycles must be at least 1"))
	}
	if p.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("policy: dispatch_interval must be positive"))
	}
	if p.CoordinatorCapability == "" {
		errs = append(errs, fmt.Errorf("policy: coordinator_capability is required"))
	}
	if p.Retry.Multiplier != 0 && p.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("policy: retry multiplier must be at least 1"))
	}
	if p.Retry.RandomizationFactor < 0 || p.Retry.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("policy: retry randomization_factor must be within [0, 1]"))
	}
	return errs
}

// ParseLogLevel maps a level name to a slog.Level. Empty means info.
func ParseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log: unknown level %q", name)
}
