package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/orchestrator"
)

// testProject writes a one-stage project config with a SQLite store inside
// a temp dir and returns the flags that select it.
func testProject(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	projectPath := filepath.Join(dir, ".deepproduct", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(projectPath), 0755); err != nil {
		t.Fatal(err)
	}
	content := `
agents:
  - id: writer
    role: writer
    provider: claude
    capabilities: [writing]
stages:
  - name: draft
    tasks:
      - id: T1
        capabilities: [writing]
        payload: "Draft {{.Idea}}"
      - id: T2
        capabilities: [writing]
        depends_on: [T1]
        payload: "Polish the draft"
policy:
  dispatch_interval: 10ms
store:
  driver: sqlite
  path: ` + filepath.Join(dir, "state.db") + `
log:
  level: error
`
	if err := os.WriteFile(projectPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return []string{
		"--global-config", filepath.Join(dir, "global.yaml"),
		"--config", projectPath,
	}
}

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		log     config.LogConfig
		wantErr bool
		check   func(t *testing.T, out string)
	}{
		{
			name: "text at info drops debug",
			log:  config.LogConfig{Level: "info", Format: "text"},
			check: func(t *testing.T, out string) {
				if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
					t.Errorf("output = %q", out)
				}
			},
		},
		{
			name: "json at debug",
			log:  config.LogConfig{Level: "debug", Format: "json"},
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, `"msg":"hidden"`) || !strings.Contains(out, `"msg":"shown"`) {
					t.Errorf("output = %q", out)
				}
			},
		},
		{name: "unknown format", log: config.LogConfig{Level: "info", Format: "xml"}, wantErr: true},
		{name: "unknown level", log: config.LogConfig{Level: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(tt.log, &buf)
			if tt.wantErr {
				if err == nil {
					t.Fatal("newLogger() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger() error = %v", err)
			}
			logger.Debug("hidden")
			logger.Info("shown")
			tt.check(t, buf.String())
		})
	}
}

// TestDryRunConfig verifies every provider is swapped for echo without
// touching the loaded configuration.
func TestDryRunConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	dry := dryRunConfig(cfg)

	if len(dry.Providers) != len(cfg.Providers) {
		t.Fatalf("providers = %d, want %d", len(dry.Providers), len(cfg.Providers))
	}
	for name, p := range dry.Providers {
		if p.Type != "echo" || p.Prefix != name {
			t.Errorf("provider %s = %+v, want echo", name, p)
		}
	}
	if cfg.Providers["claude"].Type != "command" {
		t.Error("dry run changed the original configuration")
	}
	if err := dry.Validate(); err != nil {
		t.Errorf("dry-run config invalid: %v", err)
	}
}

// TestRunStatusMemory drives a dry run through the CLI and inspects it with
// the read-only commands.
func TestRunStatusMemory(t *testing.T) {
	flags := testProject(t)

	out, err := execute(t, append(flags, "run", "--dry-run", "a", "note", "taking", "app")...)
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, ": completed") {
		t.Errorf("run output missing state:\n%s", out)
	}
	if !strings.Contains(out, "[claude draft/T2]") {
		t.Errorf("run output missing final stage output:\n%s", out)
	}

	out, err = execute(t, append(flags, "status", "--json")...)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	var runs []orchestrator.RunSummary
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decoding status: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].State != orchestrator.RunCompleted || runs[0].Idea != "a note taking app" {
		t.Fatalf("runs = %+v", runs)
	}
	id := runs[0].ID

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr error
	}{
		{name: "list", args: []string{"status"}, want: []string{id, "completed"}},
		{name: "verbose", args: []string{"status", "-v", id}, want: []string{"Tasks", "T1", "T2", "Stage outputs", "draft:"}},
		{name: "memory", args: []string{"memory", "list", id}, want: []string{"stage:draft", "task:T1", "task:T2"}},
		{name: "memory search", args: []string{"memory", "list", id, "-q", "draft/T1"}, want: []string{"task:T1"}},
		{name: "unknown run", args: []string{"status", "missing"}, wantErr: orchestrator.ErrRunNotFound},
		{name: "resume finished run", args: []string{"resume", id}, wantErr: orchestrator.ErrRunFinished},
		{name: "revert non-decision entry", args: []string{"revert", id, "1"}, wantErr: orchestrator.ErrNotRevertible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append(flags, tt.args...)...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v\n%s", err, out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	flags := []string{
		"--global-config", filepath.Join(dir, "global.yaml"),
		"--config", filepath.Join(dir, "project", "config.yaml"),
	}

	out, err := execute(t, append(flags, "config", "init")...)
	if err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if !strings.Contains(out, "Wrote") {
		t.Errorf("init output = %q", out)
	}

	out, err = execute(t, append(flags, "config", "init")...)
	if err != nil {
		t.Fatalf("second config init error = %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("second init output = %q", out)
	}

	out, err = execute(t, append(flags, "config", "show")...)
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	for _, want := range []string{"coordinator_capability: coordinate", "name: ideation", "driver: sqlite"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q", want)
		}
	}
}

func TestRunRequiresIdea(t *testing.T) {
	flags := testProject(t)
	if _, err := execute(t, append(flags, "run")...); err == nil {
		t.Error("run without an idea succeeded")
	}
}
