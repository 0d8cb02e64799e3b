package config

import "time"

// ProviderConfig defines a generation backend transport. Providers are
// separate from agents: several agents can share one provider.
type ProviderConfig struct {
	// Type is "command" or "echo".
	Type    string   `mapstructure:"type" yaml:"type"`
	Command string   `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
	// Env is added to the process environment after ${VAR} expansion.
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	WorkDir string            `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	// Format of the command output: "json" or "text".
	Format string `mapstructure:"format" yaml:"format,omitempty"`
	// Timeout overrides the default attempt budget for slow backends.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	// Prefix tags echo provider output.
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// AgentConfig declares one agent of the pool.
type AgentConfig struct {
	ID             string   `mapstructure:"id" yaml:"id"`
	Role           string   `mapstructure:"role" yaml:"role"`
	Provider       string   `mapstructure:"provider" yaml:"provider"`
	Model          string   `mapstructure:"model" yaml:"model,omitempty"`
	SystemPrompt   string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	Capabilities   []string `mapstructure:"capabilities" yaml:"capabilities"`
	MaxConcurrency int      `mapstructure:"max_concurrency" yaml:"max_concurrency,omitempty"`
	Tier           string   `mapstructure:"tier" yaml:"tier,omitempty"` // "primary" or "backup"
	Weight         float64  `mapstructure:"weight" yaml:"weight,omitempty"`
}

// TaskConfig is the template of one task seeded when its stage starts.
//
// Payload is rendered when the stage is seeded with .Idea, .Stage, .Input
// and .Stages. Template, when set, is rendered again at every attempt with
// .Payload and .Inputs as well and replaces the default prompt.
type TaskConfig struct {
	ID           string            `mapstructure:"id" yaml:"id"`
	Name         string            `mapstructure:"name" yaml:"name,omitempty"`
	Capabilities []string          `mapstructure:"capabilities" yaml:"capabilities,omitempty"`
	Payload      string            `mapstructure:"payload" yaml:"payload,omitempty"`
	Template     string            `mapstructure:"template" yaml:"template,omitempty"`
	DependsOn    []string          `mapstructure:"depends_on" yaml:"depends_on,omitempty"`
	Priority     int               `mapstructure:"priority" yaml:"priority,omitempty"`
	Tolerant     bool              `mapstructure:"tolerant" yaml:"tolerant,omitempty"`
	MaxAttempts  int               `mapstructure:"max_attempts" yaml:"max_attempts,omitempty"`
	Timeout      time.Duration     `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Params       map[string]string `mapstructure:"params" yaml:"params,omitempty"`
}

// DecisionConfig declares a decision point. The gate task takes the
// decision's ID, so later tasks depend on the accepted output by listing
// that ID in depends_on.
type DecisionConfig struct {
	ID           string             `mapstructure:"id" yaml:"id"`
	Contributors []string           `mapstructure:"contributors" yaml:"contributors"`
	Policy       string             `mapstructure:"policy" yaml:"policy"`
	Weights      map[string]float64 `mapstructure:"weights" yaml:"weights,omitempty"` // contributor task ID -> weight
	Priority     int                `mapstructure:"priority" yaml:"priority,omitempty"`
	// Tolerant gates decide over the contributors that completed. Otherwise a
	// failed contributor cancels the gate.
	Tolerant bool `mapstructure:"tolerant" yaml:"tolerant,omitempty"`
}

// StageConfig is one pipeline stage.
type StageConfig struct {
	Name      string           `mapstructure:"name" yaml:"name"`
	Output    string           `mapstructure:"output" yaml:"output,omitempty"` // task whose result is the stage output
	Tasks     []TaskConfig     `mapstructure:"tasks" yaml:"tasks"`
	Decisions []DecisionConfig `mapstructure:"decisions" yaml:"decisions,omitempty"`
}

// RetryConfig configures exponential backoff for rate-limited invocations.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	MaxRequests         uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// PolicyConfig holds the engine's timeout, retry and checkpoint policy.
type PolicyConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	RunTimeout            time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	CheckpointEvery       int           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	CheckpointRetain      int           `mapstructure:"checkpoint_retain" yaml:"checkpoint_retain"`
	StarvationCycles      int           `mapstructure:"starvation_cycles" yaml:"starvation_cycles"`
	CancelGrace           time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	DispatchInterval      time.Duration `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
	CoordinatorCapability string        `mapstructure:"coordinator_capability" yaml:"coordinator_capability"`
	Retry                 RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Breaker               BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"` // "sqlite", "redis" or "memory"
	Path      string `mapstructure:"path" yaml:"path,omitempty"`
	URL       string `mapstructure:"url" yaml:"url,omitempty"`
	Namespace string `mapstructure:"namespace" yaml:"namespace,omitempty"`
}

// ServerConfig configures the HTTP inspection API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Agents    []AgentConfig             `mapstructure:"agents" yaml:"agents"`
	Stages    []StageConfig             `mapstructure:"stages" yaml:"stages"`
	Policy    PolicyConfig              `mapstructure:"policy" yaml:"policy"`
	Store     StoreConfig               `mapstructure:"store" yaml:"store"`
	Server    ServerConfig              `mapstructure:"server" yaml:"server"`
	Log       LogConfig                 `mapstructure:"log" yaml:"log"`
}
