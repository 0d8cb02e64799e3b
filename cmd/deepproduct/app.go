package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/config"
	"github.com/aristath/deepproduct/internal/events"
	"github.com/aristath/deepproduct/internal/orchestrator"
	"github.com/aristath/deepproduct/internal/persistence"
)

// shutdownTimeout bounds how long a command waits for active runs to be
// interrupted and checkpointed on exit.
const shutdownTimeout = 15 * time.Second

// app holds what every command shares: config paths, the loaded
// configuration and the logger.
type app struct {
	globalPath  string
	projectPath string
	logLevel    string
	cfg         *config.Config
	logger      *slog.Logger
}

// load reads the configuration and sets up logging. It runs before every
// command.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.globalPath, a.projectPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// newLogger builds the slog logger described by the log section.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", lc.Format)
	}
}

// dryRunConfig returns a copy of cfg whose providers all answer through the
// echo backend, so a workflow can be exercised without calling any model.
func dryRunConfig(cfg *config.Config) *config.Config {
	next := *cfg
	next.Providers = make(map[string]config.ProviderConfig, len(cfg.Providers))
	for name := range cfg.Providers {
		next.Providers[name] = config.ProviderConfig{Type: "echo", Prefix: name}
	}
	return &next
}

// session is an engine with its store, closed together.
type session struct {
	engine *orchestrator.Engine
	store  persistence.Store
	bus    *events.EventBus
	logger *slog.Logger

	engineOnce sync.Once
	storeOnce  sync.Once
}

// openSession opens the configured store and builds an engine on it. bus may
// be nil.
func (a *app) openSession(ctx context.Context, bus *events.EventBus, dryRun bool) (*session, error) {
	cfg := a.cfg
	if dryRun {
		cfg = dryRunConfig(cfg)
	}

	store, err := persistence.Open(ctx, cfg.Store.Options())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e, err := orchestrator.New(orchestrator.Options{
		Config:         cfg,
		Store:          store,
		Bus:            bus,
		Logger:         a.logger,
		ProcessManager: backend.NewProcessManager(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return &session{engine: e, store: store, bus: bus, logger: a.logger}, nil
}

// stopEngine interrupts active runs, leaving them resumable, and waits for
// their checkpoints. The store stays open for reads.
func (s *session) stopEngine() {
	s.engineOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.engine.Close(ctx); err != nil {
			s.logger.Error("closing engine", "error", err)
		}
	})
}

// Close stops the engine and closes the store.
func (s *session) Close() {
	s.stopEngine()
	s.storeOnce.Do(func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("closing store", "error", err)
		}
	})
}
