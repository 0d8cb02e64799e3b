package backend

import "time"

// Profile describes the agent a request is executed on behalf of.
type Profile struct {
	AgentID      string
	Role         string
	Capabilities []string
	Model        string
	SystemPrompt string
}

// Request is one invocation of a generation backend.
type Request struct {
	Profile Profile
	TaskID  string
	Stage   string
	Prompt  string
	Inputs  map[string]string // dependency task ID -> result
	Params  map[string]string
}

// Response is what a backend produced for a request.
type Response struct {
	Content   string
	SessionID string
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string            // "command" or "echo"
	Command string            // binary for the command adapter
	Args    []string          // arguments; the prompt is passed on stdin
	Env     map[string]string // extra environment, values already expanded
	WorkDir string
	Format  string        // "json" (default) or "text"
	Timeout time.Duration // advisory budget used by the supervisor
}
