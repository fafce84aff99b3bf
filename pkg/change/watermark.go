package change

import (
	"sync"
	"time"
)

type wmEntry struct {
	version int64
	touched time.Time
}

// Watermark tracks the highest forwarded version per asset. It is the single
// defense against the change stream redelivering an older version after a
// newer one. Entries are evicted on a TTL since assets are not changed
// forever; after eviction the stream's own ordering per key is trusted again.
type Watermark struct {
	mu      sync.Mutex
	entries map[string]wmEntry
	ttl     time.Duration
	clock   func() time.Time
}

func NewWatermark(ttl time.Duration) *Watermark {
	return &Watermark{
		entries: make(map[string]wmEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Watermark) WithClock(clock func() time.Time) *Watermark {
	w.clock = clock
	return w
}

// Observe advances the watermark if version is strictly newer than the
// highest seen for the asset. Returns false for late duplicates (version at
// or below the watermark), which callers must discard.
func (w *Watermark) Observe(assetID string, version int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	if e, ok := w.entries[assetID]; ok && now.Sub(e.touched) < w.ttl {
		if version <= e.version {
			return false
		}
	}
	w.entries[assetID] = wmEntry{version: version, touched: now}
	return true
}

// Current returns the watermark for an asset, if it is still tracked.
func (w *Watermark) Current(assetID string) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[assetID]
	if !ok || w.clock().Sub(e.touched) >= w.ttl {
		return 0, false
	}
	return e.version, true
}

// Evict drops entries idle past the TTL and returns how many were removed.
func (w *Watermark) Evict(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	for id, e := range w.entries {
		if now.Sub(e.touched) >= w.ttl {
			delete(w.entries, id)
			n++
		}
	}
	return n
}
