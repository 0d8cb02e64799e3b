// Package memory is the shared cross-agent memory of a run. Entries live in
// the durable store under <run_id>:memory:<key> and are optionally scoped to
// one agent.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aristath/deepproduct/internal/persistence"
)

var (
	// ErrNotFound is returned when a memory entry does not exist or expired.
	ErrNotFound = errors.New("memory entry not found")
	// ErrNotConfirmed is returned by Clear without confirmation.
	ErrNotConfirmed = errors.New("memory clear not confirmed")
)

// Priority ranks memory entries.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Entry is one stored memory.
type Entry struct {
	Key          string     `json:"key"`
	Content      string     `json:"content"`
	Priority     Priority   `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at,omitzero"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// SaveOptions carries the optional attributes of Save.
type SaveOptions struct {
	Priority Priority
	Tags     []string
	// TTL of zero keeps the entry for the lifetime of the run.
	TTL time.Duration
}

// Filter selects entries in List. Empty fields match everything.
type Filter struct {
	Tag      string
	Priority Priority
}

// Manager reads and writes the memory of one run.
type Manager struct {
	store   persistence.Store
	runID   string
	agentID string
	locks   *KeyLocks
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a run-wide memory manager.
func NewManager(store persistence.Store, runID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		runID:  runID,
		locks:  NewKeyLocks(),
		logger: logger.With("run_id", runID),
		now:    time.Now,
	}
}

// ForAgent returns a manager whose keys are scoped to agentID. It shares the
// store and locks of m.
func (m *Manager) ForAgent(agentID string) *Manager {
	scoped := *m
	scoped.agentID = agentID
	scoped.logger = m.logger.With("agent_id", agentID)
	return &scoped
}

// RunID returns the run the manager belongs to.
func (m *Manager) RunID() string { return m.runID }

func (m *Manager) prefix() string {
	if m.agentID == "" {
		return persistence.MemoryPrefix(m.runID)
	}
	return persistence.MemoryPrefix(m.runID) + m.agentID + ":"
}

func (m *Manager) storeKey(key string) string {
	return m.prefix() + key
}

// Save stores content under key, replacing any previous entry.
// An unknown priority falls back to normal.
func (m *Manager) Save(ctx context.Context, key, content string, opts SaveOptions) error {
	if key == "" {
		return errors.New("memory key is empty")
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		m.logger.Warn("invalid memory priority, using normal", "key", key, "priority", priority)
		priority = PriorityNormal
	}

	now := m.now()
	entry := &Entry{
		Key:          key,
		Content:      content,
		Priority:     priority,
		Tags:         slices.Clone(opts.Tags),
		CreatedAt:    now,
		LastAccessed: now,
	}
	if opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		entry.ExpiresAt = &expires
	}

	sk := m.storeKey(key)
	m.locks.Lock(sk)
	defer m.locks.Unlock(sk)

	if err := m.put(ctx, sk, entry); err != nil {
		return err
	}
	m.logger.Debug("memory saved", "key", key, "priority", priority)
	return nil
}

// Retrieve returns the entry under key and records the access.
func (m *Manager) Retrieve(ctx context.Context, key string) (*Entry, error) {
	sk := m.storeKey(key)
	m.locks.Lock(sk)
	defer m.locks.Unlock(sk)

	entry, err := m.load(ctx, sk)
	if err != nil {
		return nil, err
	}
	entry.LastAccessed = m.now()
	entry.AccessCount++
	if err := m.put(ctx, sk, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Peek returns the entry under key without recording the access.
func (m *Manager) Peek(ctx context.Context, key string) (*Entry, error) {
	return m.load(ctx, m.storeKey(key))
}

// Update replaces the content of an existing entry, keeping its metadata.
func (m *Manager) Update(ctx context.Context, key, content string) error {
	sk := m.storeKey(key)
	m.locks.Lock(sk)
	defer m.locks.Unlock(sk)

	entry, err := m.load(ctx, sk)
	if err != nil {
		return fmt.Errorf("update memory %q: %w", key, err)
	}
	now := m.now()
	entry.Content = content
	entry.UpdatedAt = now
	entry.LastAccessed = now
	entry.AccessCount++
	return m.put(ctx, sk, entry)
}

// Forget removes the entry under key. Forgetting a missing key is not an error.
func (m *Manager) Forget(ctx context.Context, key string) error {
	sk := m.storeKey(key)
	m.locks.Lock(sk)
	defer m.locks.Unlock(sk)

	if err := m.store.Delete(ctx, sk); err != nil {
		return fmt.Errorf("forget memory %q: %w", key, err)
	}
	return nil
}

// List returns the live entries matching filter, sorted by key.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	entries, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if filter.Tag != "" && !e.HasTag(filter.Tag) {
			continue
		}
		if filter.Priority != "" && e.Priority != filter.Priority {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Search returns entries whose key or content contains query, ignoring case.
// A limit of zero or less returns every match.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]*Entry, error) {
	entries, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*Entry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Key), q) || strings.Contains(strings.ToLower(e.Content), q) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Clear removes every entry in the manager's scope. It refuses to run unless
// confirm is set and returns the number of removed entries.
func (m *Manager) Clear(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrNotConfirmed
	}
	keys, err := m.store.List(ctx, m.prefix())
	if err != nil {
		return 0, fmt.Errorf("clear memory: %w", err)
	}

	m.locks.LockAll(keys)
	defer m.locks.UnlockAll(keys)

	for i, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("clear memory: %w", err)
		}
	}
	m.logger.Info("memory cleared", "count", len(keys))
	return len(keys), nil
}

// all loads every live entry in scope. Expired entries are skipped and
// removed from the store.
func (m *Manager) all(ctx context.Context) ([]*Entry, error) {
	prefix := m.prefix()
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	entries := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		entry, err := m.load(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// Run-wide listings show agent-scoped entries under agent:key.
		entry.Key = persistence.TrimPrefix(k, prefix)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *Manager) load(ctx context.Context, storeKey string) (*Entry, error) {
	data, err := m.store.Get(ctx, storeKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode memory %q: %w", storeKey, err)
	}
	if entry.expired(m.now()) {
		if err := m.store.Delete(ctx, storeKey); err != nil {
			m.logger.Warn("failed to drop expired memory", "key", storeKey, "error", err)
		}
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *Manager) put(ctx context.Context, storeKey string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if err := m.store.Put(ctx, storeKey, data); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}
