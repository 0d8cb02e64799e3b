package backend

import (
	"context"
	"fmt"
)

// Backend is the generation capability an agent is bound to.
type Backend interface {
	// Invoke renders one generation for the given request.
	// Errors should be *Error values so the supervisor can classify them.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Func adapts an ordinary function to the Backend interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f(ctx, req).
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Close is a no-op.
func (f Func) Close() error { return nil }

// New creates a backend for the provider configuration.
// This factory function switches on cfg.Type and returns the appropriate adapter.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "command":
		a, err := NewCommandAdapter(cfg, pm)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "echo", "":
		return NewEchoAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
