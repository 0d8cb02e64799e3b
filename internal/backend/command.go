package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// CommandAdapter runs a configured CLI once per invocation.
//
// The rendered prompt is written to the process' stdin. The request metadata
// is exposed through DEEPPRODUCT_* environment variables so wrappers can pick
// a model or role without parsing the prompt.
type CommandAdapter struct {
	sessionID string
	command   string
	args      []string
	env       []string
	workDir   string
	format    string
	procMgr   *ProcessManager
}

// commandResponse is the JSON shape accepted on stdout when Format is "json".
type commandResponse struct {
	Content string `json:"content"`
	Result  string `json:"result"`
	Error   string `json:"error"`
}

// NewCommandAdapter creates a command backend.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command backend requires a command")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	format := cfg.Format
	if format == "" {
		format = "json"
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	return &CommandAdapter{
		sessionID: uuid.NewString(),
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		env:       env,
		workDir:   workDir,
		format:    format,
		procMgr:   procMgr,
	}, nil
}

// Invoke runs the command with the prompt on stdin and parses its output.
func (a *CommandAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	cmd := newCommand(ctx, a.command, a.args...)
	cmd.Dir = a.workDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), a.env...)
	cmd.Env = append(cmd.Env,
		"DEEPPRODUCT_SESSION_ID="+a.sessionID,
		"DEEPPRODUCT_TASK_ID="+req.TaskID,
		"DEEPPRODUCT_STAGE="+req.Stage,
		"DEEPPRODUCT_AGENT_ID="+req.Profile.AgentID,
		"DEEPPRODUCT_ROLE="+req.Profile.Role,
		"DEEPPRODUCT_MODEL="+req.Profile.Model,
		"DEEPPRODUCT_SYSTEM_PROMPT="+req.Profile.SystemPrompt,
	)

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return Response{}, NewError(KindTimeout, err)
		case ctx.Err() != nil:
			return Response{}, ctx.Err()
		case hasRateLimitMarker(string(stderr)):
			return Response{}, NewError(KindRateLimited, err)
		default:
			return Response{}, NewError(KindBackend, err)
		}
	}

	content, err := a.parse(stdout)
	if err != nil {
		return Response{}, NewError(KindInvalidResponse, err)
	}

	return Response{Content: content, SessionID: a.sessionID}, nil
}

// Close is a no-op (subprocess-per-invocation model).
func (a *CommandAdapter) Close() error {
	return nil
}

// SessionID returns the identifier passed to every subprocess of this adapter.
func (a *CommandAdapter) SessionID() string {
	return a.sessionID
}

func (a *CommandAdapter) parse(stdout []byte) (string, error) {
	if a.format == "text" {
		content := strings.TrimSpace(string(stdout))
		if content == "" {
			return "", fmt.Errorf("empty output")
		}
		return content, nil
	}

	var cr commandResponse
	if err := json.Unmarshal(stdout, &cr); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	if cr.Error != "" {
		return "", fmt.Errorf("backend reported error: %s", cr.Error)
	}

	content := cr.Content
	if content == "" {
		content = cr.Result
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty content")
	}
	return content, nil
}
