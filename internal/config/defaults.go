package config

import "time"

// Stage names of the default pipeline.
const (
	StageIdeation      = "ideation"
	StageAnalysis      = "analysis"
	StageDesign        = "design"
	StageDecomposition = "decomposition"
	StageCollaboration = "collaboration"
	StageReview        = "review"
	StageOutput        = "output"
)

// DefaultPolicy returns the default engine policy.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		MaxAttempts:           3,
		TaskTimeout:           5 * time.Minute,
		RunTimeout:            2 * time.Hour,
		CheckpointEvery:       5,
		CheckpointRetain:      20,
		StarvationCycles:      50,
		CancelGrace:           5 * time.Second,
		DispatchInterval:      500 * time.Millisecond,
		CoordinatorCapability: "coordinate",
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			MaxRequests:         1,
			OpenTimeout:         30 * time.Second,
		},
	}
}

// DefaultConfig returns the default configuration: a command provider
// driving the claude CLI, an echo provider for dry runs, the default agent
// pool and the seven-stage product pipeline.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Type:    "command",
				Command: "claude",
				Args:    []string{"-p", "--output-format", "json"},
				Format:  "json",
				Timeout: 10 * time.Minute,
			},
			"echo": {
				Type: "echo",
			},
		},
		Agents: []AgentConfig{
			{
				ID:           "coordinator",
				Role:         "coordinator",
				Provider:     "claude",
				SystemPrompt: "You coordinate the product team and settle disagreements between its members.",
				Capabilities: []string{"coordinate", "review"},
			},
			{
				ID:           "product-manager",
				Role:         "product_manager",
				Provider:     "claude",
				SystemPrompt: "You turn raw product ideas into clear product concepts.",
				Capabilities: []string{"ideation", "analysis", "writing"},
			},
			{
				ID:           "market-analyst",
				Role:         "analyst",
				Provider:     "claude",
				SystemPrompt: "You research markets, competitors and target users.",
				Capabilities: []string{"analysis", "research"},
			},
			{
				ID:           "ux-designer",
				Role:         "designer",
				Provider:     "claude",
				SystemPrompt: "You design user journeys and interfaces.",
				Capabilities: []string{"design", "ux", "ui"},
			},
			{
				ID:           "architect",
				Role:         "architect",
				Provider:     "claude",
				SystemPrompt: "You design system architecture and break work into deliverables.",
				Capabilities: []string{"design", "engineering", "decomposition"},
			},
			{
				ID:             "engineer",
				Role:           "engineer",
				Provider:       "claude",
				SystemPrompt:   "You plan implementation and estimate effort.",
				Capabilities:   []string{"engineering", "decomposition"},
				MaxConcurrency: 2,
			},
			{
				ID:           "reviewer",
				Role:         "reviewer",
				Provider:     "claude",
				SystemPrompt: "You critically review product plans for gaps and risks.",
				Capabilities: []string{"review"},
			},
			{
				ID:           "writer",
				Role:         "writer",
				Provider:     "claude",
				SystemPrompt: "You write clear product documents.",
				Capabilities: []string{"writing", "ideation"},
				Tier:         "backup",
			},
		},
		Stages: DefaultStages(),
		Policy: DefaultPolicy(),
		Store:  StoreConfig{Driver: "sqlite", Path: ".deepproduct/state.db", Namespace: "deepproduct"},
		Server: ServerConfig{Addr: "127.0.0.1:7420"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultStages returns the default product pipeline:
// ideation, analysis, design, decomposition, collaboration, review, output.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name: StageIdeation,
			Tasks: []TaskConfig{
				{ID: "concept-pm", Capabilities: []string{"ideation"}, Payload: "Expand this product idea into a concept: problem, audience, value.\n\nIdea: {{.Idea}}"},
				{ID: "concept-alt", Capabilities: []string{"ideation"}, Payload: "Propose an alternative framing of this product idea: problem, audience, value.\n\nIdea: {{.Idea}}"},
			},
			Decisions: []DecisionConfig{
				{ID: "concept", Contributors: []string{"concept-pm", "concept-alt"}, Policy: "coordinator_arbitration"},
			},
			Output: "concept",
		},
		{
			Name: StageAnalysis,
			Tasks: []TaskConfig{
				{ID: "market", Capabilities: []string{"research"}, Payload: "Analyze the market and competitors for this concept.\n\n{{.Input}}"},
				{ID: "users", Capabilities: []string{"analysis"}, Payload: "Describe target users and their needs for this concept.\n\n{{.Input}}"},
				{ID: "analysis-summary", Capabilities: []string{"analysis"}, DependsOn: []string{"market", "users"}, Tolerant: true,
					Payload: "Summarize the analysis into requirements."},
			},
		},
		{
			Name: StageDesign,
			Tasks: []TaskConfig{
				{ID: "ux", Capabilities: []string{"ux"}, Payload: "Design the core user journeys for these requirements.\n\n{{.Input}}"},
				{ID: "architecture", Capabilities: []string{"engineering"}, Payload: "Propose a system architecture for these requirements.\n\n{{.Input}}"},
				{ID: "design-summary", Capabilities: []string{"design"}, DependsOn: []string{"ux", "architecture"},
					Payload: "Combine the journeys and the architecture into one design."},
			},
		},
		{
			Name: StageDecomposition,
			Tasks: []TaskConfig{
				{ID: "breakdown", Capabilities: []string{"decomposition"}, Payload: "Break this design into milestones and deliverables.\n\n{{.Input}}"},
			},
		},
		{
			Name: StageCollaboration,
			Tasks: []TaskConfig{
				{ID: "estimate-eng", Capabilities: []string{"engineering"}, Payload: "Estimate effort for each deliverable.\n\n{{.Input}}"},
				{ID: "estimate-arch", Capabilities: []string{"decomposition"}, Payload: "Estimate effort for each deliverable.\n\n{{.Input}}"},
				{ID: "plan", Capabilities: []string{"writing"}, DependsOn: []string{"estimate"},
					Template: "Write a delivery plan for these deliverables.\n\n{{index .Stages \"decomposition\"}}\n\nEstimate:\n{{index .Inputs \"estimate\"}}"},
			},
			Decisions: []DecisionConfig{
				{ID: "estimate", Contributors: []string{"estimate-eng", "estimate-arch"}, Policy: "first_wins"},
			},
		},
		{
			Name: StageReview,
			Tasks: []TaskConfig{
				{ID: "review-risks", Capabilities: []string{"review"}, Payload: "Review this plan for risks. Answer APPROVE or REVISE with reasons.\n\n{{.Input}}"},
				{ID: "review-scope", Capabilities: []string{"review"}, Payload: "Review this plan for scope. Answer APPROVE or REVISE with reasons.\n\n{{.Input}}"},
			},
			Decisions: []DecisionConfig{
				{ID: "verdict", Contributors: []string{"review-risks", "review-scope"}, Policy: "coordinator_arbitration"},
			},
		},
		{
			Name: StageOutput,
			Tasks: []TaskConfig{
				{ID: "document", Capabilities: []string{"writing"},
					Payload: "Write the final product document for: {{.Idea}}\n\n{{range $stage, $out := .Stages}}## {{$stage}}\n{{$out}}\n\n{{end}}"},
			},
		},
	}
}
