package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	status     Status
	outcome    Outcome
	reservedAt time.Time
}

// MemoryLedger is a process-local ledger used when Redis is not configured and in tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key string) (Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Reservation{}, ErrKeyRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok {
		return Reservation{Status: entry.status, Outcome: entry.outcome, ReservedAt: entry.reservedAt}, nil
	}
	now := l.now()
	l.entries[key] = memoryEntry{status: StatusInFlight, reservedAt: now}
	return Reservation{Status: StatusFresh, ReservedAt: now}, nil
}

func (l *MemoryLedger) Commit(ctx context.Context, key string, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = memoryEntry{reservedAt: l.now()}
	}
	entry.status = StatusCompleted
	entry.outcome = outcome
	l.entries[key] = entry
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return nil
	}
	if entry.status != StatusInFlight {
		return ErrNotReserved
	}
	delete(l.entries, key)
	return nil
}

func (l *MemoryLedger) Abandoned(ctx context.Context, olderThan time.Duration) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	var keys []string
	for key, entry := range l.entries {
		if entry.status == StatusInFlight && entry.reservedAt.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
