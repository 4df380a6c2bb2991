// Package ledger records which cloud files have been mirrored, so a later
// mirror run can skip files that did not change.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Entry is one mirrored file.
type Entry struct {
	Key        string // sink name and destination key
	RemoteID   string
	Size       int64
	MirroredAt time.Time
}

// Ledger stores mirrored files.
type Ledger interface {
	// Seen reports whether key was recorded with the same remote id and size.
	Seen(ctx context.Context, key, remoteID string, size int64) (bool, error)
	// Record stores or replaces the entry for e.Key.
	Record(ctx context.Context, e Entry) error
}

// Memory is an in-process Ledger. Its content is lost on exit.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Seen(ctx context.Context, key, remoteID string, size int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return ok && e.RemoteID == remoteID && e.Size == size, nil
}

func (m *Memory) Record(ctx context.Context, e Entry) error {
	if e.MirroredAt.IsZero() {
		e.MirroredAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

// Len returns the number of recorded files.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
