package backend

import (
	"context"
	"fmt"
	"strings"
)

// EchoAdapter answers every request deterministically without calling out.
// It backs --dry-run and local smoke tests of a workflow configuration.
type EchoAdapter struct {
	prefix string
}

// NewEchoAdapter creates an echo backend.
func NewEchoAdapter(cfg Config) *EchoAdapter {
	prefix := cfg.Command
	if prefix == "" {
		prefix = "echo"
	}
	return &EchoAdapter{prefix: prefix}
}

// Invoke returns a summary of the request.
func (a *EchoAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s/%s] ", a.prefix, req.Stage, req.TaskID)
	b.WriteString(firstLine(req.Prompt))
	return Response{Content: b.String()}, nil
}

// Close is a no-op.
func (a *EchoAdapter) Close() error { return nil }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
