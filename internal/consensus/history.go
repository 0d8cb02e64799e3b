package consensus

import (
	"fmt"
	"sync"
	"time"
)

// EntryKind classifies a decision history entry.
type EntryKind int

const (
	EntryResolved   EntryKind = iota // Accepted output, by policy or coordinator
	EntryEscalated                   // Policy could not decide, sent to coordinator
	EntryUnresolved                  // Escalation exhausted, run halted
	EntryReverted                    // Run rolled back to an earlier resolution
)

var entryKindNames = [...]string{
	EntryResolved:   "resolved",
	EntryEscalated:  "escalated",
	EntryUnresolved: "unresolved",
	EntryReverted:   "reverted",
}

func (k EntryKind) String() string {
	if k >= 0 && int(k) < len(entryKindNames) {
		return entryKindNames[k]
	}
	return fmt.Sprintf("entry(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k EntryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *EntryKind) UnmarshalText(b []byte) error {
	for i, n := range entryKindNames {
		if n == string(b) {
			*k = EntryKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown history entry kind: %q", b)
}

// Entry is one immutable decision history record.
type Entry struct {
	Seq          int       `json:"seq"`
	DecisionID   string    `json:"decision_id"`
	Stage        string    `json:"stage,omitempty"`
	Kind         EntryKind `json:"kind"`
	Policy       Policy    `json:"policy"`
	Output       string    `json:"output,omitempty"`
	Resolver     string    `json:"resolver,omitempty"` // "policy:<name>" or coordinator agent ID
	Contributors []string  `json:"contributors,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	RevertOf     int       `json:"revert_of,omitempty"` // entry Seq a Reverted entry rolled back to
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// History is the append-only decision log of one run.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{now: time.Now}
}

// RestoreHistory rebuilds a history from checkpointed entries.
func RestoreHistory(entries []Entry) *History {
	h := NewHistory()
	h.entries = cloneEntries(entries)
	return h
}

// Append records e, assigning its sequence number and timestamp, and returns
// the stored entry.
func (h *History) Append(e Entry) Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	e.Seq = len(h.entries) + 1
	if e.At.IsZero() {
		e.At = h.now()
	}
	e.Contributors = append([]string(nil), e.Contributors...)
	h.entries = append(h.entries, e)
	return e
}

// Entries returns a copy of all entries in append order.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneEntries(h.entries)
}

// Get returns the entry with the given sequence number.
func (h *History) Get(seq int) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if seq < 1 || seq > len(h.entries) {
		return Entry{}, false
	}
	e := h.entries[seq-1]
	e.Contributors = append([]string(nil), e.Contributors...)
	return e, true
}

// ForDecision returns the entries of one decision point.
func (h *History) ForDecision(decisionID string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Entry
	for _, e := range h.entries {
		if e.DecisionID == decisionID {
			e.Contributors = append([]string(nil), e.Contributors...)
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		e.Contributors = append([]string(nil), e.Contributors...)
		out[i] = e
	}
	return out
}
