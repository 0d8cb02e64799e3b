package persistence

import (
	"context"
	"fmt"
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver    string // "sqlite" (default), "memory" or "redis"
	Path      string // SQLite database file
	URL       string // Redis URL
	Namespace string // Redis key namespace
}

// Open creates the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return NewSQLiteStore(ctx, opts.Path)
	case "memory":
		return NewMemoryStore(ctx)
	case "redis":
		if opts.URL == "" {
			return nil, fmt.Errorf("redis store requires a url")
		}
		return NewRedisStore(ctx, opts.URL, opts.Namespace)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}
}
