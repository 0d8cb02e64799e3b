package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/persistence"
	"github.com/aristath/deepproduct/internal/scheduler"
)

// ErrNotFound is returned when a run has no checkpoint with the requested ID.
var ErrNotFound = errors.New("checkpoint not found")

// ErrClosed is returned by Checkpoint after Close.
var ErrClosed = errors.New("checkpoint manager closed")

// Config configures a Manager.
type Config struct {
	// Retain is the number of newest checkpoints kept per run. Zero keeps all.
	Retain int
	// QueueSize bounds the number of pending writes (default 64).
	QueueSize int
	Logger    *slog.Logger
	// OnSaved is called from the writer goroutine after every write attempt.
	OnSaved func(cp *Checkpoint, err error)
}

type writeReq struct {
	cp   *Checkpoint
	data []byte
	done chan struct{} // flush barrier when cp is nil
}

// Manager writes checkpoints through a single background writer so the run
// loop never waits on the store.
type Manager struct {
	store  persistence.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seqs map[string]int // runID -> last reserved seq

	// closeMu keeps Close from closing the queue under an in-flight send.
	closeMu sync.RWMutex
	closed  bool

	queue chan writeReq
	done  chan struct{}
}

// NewManager creates a manager and starts its writer goroutine.
func NewManager(store persistence.Store, cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seqs:   make(map[string]int),
		queue:  make(chan writeReq, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go m.writer()
	return m
}

// Reserve allocates the next checkpoint ID of a run. Sequence numbers
// continue after the newest stored checkpoint, so resumed runs never
// overwrite history.
func (m *Manager) Reserve(ctx context.Context, runID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.seqs[runID]
	if !ok {
		ids, err := m.List(ctx, runID)
		if err != nil {
			return "", err
		}
		if n := len(ids); n > 0 {
			seq, _ = strconv.Atoi(ids[n-1])
		}
	}
	seq++
	m.seqs[runID] = seq
	return persistence.CheckpointID(seq), nil
}

// Checkpoint serializes snap and queues it for writing. It returns the
// checkpoint ID once the write is queued; use Flush to wait for durability.
func (m *Manager) Checkpoint(ctx context.Context, snap Snapshot) (string, error) {
	if snap.RunID == "" {
		return "", errors.New("checkpoint requires a run id")
	}
	id := snap.ID
	if id == "" {
		var err error
		if id, err = m.Reserve(ctx, snap.RunID); err != nil {
			return "", fmt.Errorf("reserve checkpoint: %w", err)
		}
	}
	seq, err := strconv.Atoi(id)
	if err != nil {
		return "", fmt.Errorf("invalid checkpoint id %q: %w", id, err)
	}

	cp := &Checkpoint{
		ID:        id,
		RunID:     snap.RunID,
		Seq:       seq,
		CreatedAt: m.now(),
		Reason:    snap.Reason,
		Run:       snap.Run,
		Tasks:     snap.Tasks,
		Agents:    snap.Agents,
		Decisions: snap.Decisions,
		History:   snap.History,
	}
	// Encoding here freezes the snapshot; later mutations by the caller
	// cannot leak into the write.
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := m.enqueue(ctx, writeReq{cp: cp, data: data}); err != nil {
		return "", err
	}
	return id, nil
}

// Flush blocks until every checkpoint queued before the call is written.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := m.enqueue(ctx, writeReq{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) enqueue(ctx context.Context, req writeReq) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	select {
	case m.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and stops the writer.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	m.closeMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.closeMu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) writer() {
	defer close(m.done)

	for req := range m.queue {
		if req.cp == nil {
			close(req.done)
			continue
		}
		err := m.write(req.cp, req.data)
		if err != nil {
			m.logger.Error("checkpoint write failed", "run_id", req.cp.RunID, "checkpoint", req.cp.ID, "error", err)
		} else {
			m.logger.Debug("checkpoint written", "run_id", req.cp.RunID, "checkpoint", req.cp.ID, "reason", req.cp.Reason)
		}
		if m.cfg.OnSaved != nil {
			m.cfg.OnSaved(req.cp, err)
		}
	}
}

func (m *Manager) write(cp *Checkpoint, data []byte) error {
	ctx := context.Background()
	if err := m.store.Put(ctx, persistence.CheckpointKey(cp.RunID, cp.ID), data); err != nil {
		return err
	}
	if m.cfg.Retain > 0 {
		if err := m.prune(ctx, cp.RunID); err != nil {
			m.logger.Warn("checkpoint pruning failed", "run_id", cp.RunID, "error", err)
		}
	}
	return nil
}

// prune deletes all but the newest Retain checkpoints of a run.
func (m *Manager) prune(ctx context.Context, runID string) error {
	ids, err := m.List(ctx, runID)
	if err != nil {
		return err
	}
	if len(ids) <= m.cfg.Retain {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids[:len(ids)-m.cfg.Retain] {
		g.Go(func() error {
			return m.store.Delete(gctx, persistence.CheckpointKey(runID, id))
		})
	}
	return g.Wait()
}

// List returns the checkpoint IDs of a run, oldest first.
func (m *Manager) List(ctx context.Context, runID string) ([]string, error) {
	prefix := persistence.CheckpointPrefix(runID)
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of %s: %w", runID, err)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = persistence.TrimPrefix(k, prefix)
	}
	return ids, nil
}

// Load reads one checkpoint.
func (m *Manager) Load(ctx context.Context, runID, id string) (*Checkpoint, error) {
	data, err := m.store.Get(ctx, persistence.CheckpointKey(runID, id))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("run %s checkpoint %s: %w", runID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// Latest reads the newest checkpoint of a run.
func (m *Manager) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	ids, err := m.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return m.Load(ctx, runID, ids[len(ids)-1])
}

// Recovered is a run rebuilt from its newest checkpoint.
type Recovered struct {
	Checkpoint *Checkpoint
	DAG        *scheduler.DAG
}

// Recover rebuilds a run from its newest checkpoint. In-flight tasks are
// reset to Ready with their attempt counts kept. When registry is non-nil
// agent statuses and counters are restored into it; loads stay at their
// current value because leases do not survive a restart.
func (m *Manager) Recover(ctx context.Context, runID string, registry *agent.Registry) (*Recovered, error) {
	cp, err := m.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	return Restore(cp, registry)
}

// Restore rebuilds the DAG of cp and restores agents into registry.
func Restore(cp *Checkpoint, registry *agent.Registry) (*Recovered, error) {
	dag, err := scheduler.RestoreDAG(cp.Tasks)
	if err != nil {
		return nil, fmt.Errorf("recover run %s from %s: %w", cp.RunID, cp.ID, err)
	}
	if registry != nil {
		registry.Restore(cp.Agents)
	}
	return &Recovered{Checkpoint: cp, DAG: dag}, nil
}
