// Package txcache provides the transaction caches shared by the recipients
// of one message: an in-process map and a Redis store for daemons that run
// as several instances behind one MTA.
package txcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/spfpolicyd/internal/policy"
)

type memoryEntry struct {
	entry   policy.CacheEntry
	updated time.Time
}

// Memory is an in-process TransactionCache. Entries live until Sweep removes
// them; Run sweeps periodically.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the entry for instance.
func (m *Memory) Get(ctx context.Context, instance string) (policy.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instance]
	if !ok {
		return policy.CacheEntry{}, false, nil
	}
	return e.entry, true, nil
}

// Put stores the scope results and last decision for instance, keeping the
// prepended flag.
func (m *Memory) Put(ctx context.Context, instance string, entry policy.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instance]
	if !ok {
		e = &memoryEntry{}
		m.entries[instance] = e
	}
	entry.Prepended = e.entry.Prepended
	e.entry = entry
	e.updated = m.now()
	return nil
}

// ClaimPrepend marks instance as prepended. Only the first caller wins.
func (m *Memory) ClaimPrepend(ctx context.Context, instance string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[instance]
	if !ok {
		e = &memoryEntry{}
		m.entries[instance] = e
	}
	e.updated = m.now()
	if e.entry.Prepended {
		return false, nil
	}
	e.entry.Prepended = true
	return true, nil
}

// Len returns the number of cached instances.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes entries not updated within maxAge and returns how many were
// removed.
func (m *Memory) Sweep(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if e.updated.Before(cutoff) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is canceled.
func (m *Memory) Run(ctx context.Context, interval, maxAge time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(maxAge); n > 0 {
				logger.Debug("swept transaction cache",
					slog.Int("removed", n),
					slog.Int("remaining", m.Len()))
			}
		}
	}
}
