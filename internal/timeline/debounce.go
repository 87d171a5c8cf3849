package timeline

import (
	"sync"
	"time"
)

// DebounceCoordinator is the circuit breaker behind tool-execution and
// permission-request ingest (spec §4.4.2 / §4.4.3). It replaces the
// teacher's ad-hoc setTimeout-per-buffer debounce shape (see
// MessageDebouncer) with two primitives: ShouldProcess decides whether an
// update for key is novel enough to act on, and entries self-expire after
// cleanup so the map never grows without bound.
type DebounceCoordinator struct {
	window  time.Duration
	cleanup time.Duration

	mu      sync.Mutex
	seen    map[string]time.Time
	timers  map[string]*time.Timer
}

// NewDebounceCoordinator builds a coordinator with the given dedupe window
// and cleanup TTL. A duplicate key observed within window of its last
// accepted occurrence is dropped; the record is forgotten after cleanup.
func NewDebounceCoordinator(window, cleanup time.Duration) *DebounceCoordinator {
	return &DebounceCoordinator{
		window:  window,
		cleanup: cleanup,
		seen:    make(map[string]time.Time),
		timers:  make(map[string]*time.Timer),
	}
}

// ShouldProcess reports whether an update for key should be acted on. The
// first call for a key always returns true; subsequent calls within window
// of the last accepted call return false until the window elapses, at
// which point the key is treated as novel again and a fresh cleanup timer
// is armed.
func (d *DebounceCoordinator) ShouldProcess(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}

	d.seen[key] = now
	d.armCleanupLocked(key)
	return true
}

// armCleanupLocked (re)schedules removal of key after d.cleanup. Must be
// called with d.mu held.
func (d *DebounceCoordinator) armCleanupLocked(key string) {
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.cleanup, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.seen, key)
		delete(d.timers, key)
	})
}

// Stop cancels every pending cleanup timer. Intended for test teardown and
// graceful shutdown; it does not clear recorded keys.
func (d *DebounceCoordinator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
}
