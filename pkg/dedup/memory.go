package dedup

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	firstSeen time.Time
	outcome   string
}

// MemoryLedger is an in-process ledger for embedded pipelines and tests.
type MemoryLedger struct {
	mu        sync.Mutex
	entries   map[Key]entry
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryLedger creates a ledger whose entries expire after retention.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries:   make(map[Key]entry),
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Claim(_ context.Context, key Key) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.entries[key]; ok && now.Sub(e.firstSeen) < l.retention {
		return Duplicate, nil
	}
	l.entries[key] = entry{firstSeen: now}
	return Accepted, nil
}

func (l *MemoryLedger) Release(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

func (l *MemoryLedger) RecordOutcome(_ context.Context, key Key, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.outcome = outcome
		l.entries[key] = e
	}
	return nil
}

// Seen reports whether a live claim exists for the key.
func (l *MemoryLedger) Seen(_ context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && l.clock().Sub(e.firstSeen) < l.retention, nil
}

// Outcome returns the recorded outcome for a key, if any.
func (l *MemoryLedger) Outcome(key Key) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return "", false
	}
	return e.outcome, true
}

func (l *MemoryLedger) Sweep(_ context.Context, now time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var evicted int64
	for k, e := range l.entries {
		if now.Sub(e.firstSeen) >= l.retention {
			delete(l.entries, k)
			evicted++
		}
	}
	return evicted, nil
}
