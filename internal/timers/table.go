// Package timers provides a keyed table of one-shot timers with
// cancel-and-replace semantics.
package timers

import (
	"sync"
	"time"
)

type entry struct {
	timer   *time.Timer
	armedAt time.Time
	gen     uint64
}

// Table owns one pending timer per key. Arming an existing key stops the old
// timer first, and a stopped or replaced timer's callback never runs, even if
// it had already fired and was waiting for the lock.
type Table[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	nextGen uint64
	now     func() time.Time
}

// NewTable creates an empty table
func NewTable[K comparable]() *Table[K] {
	return &Table[K]{
		entries: make(map[K]*entry),
		now:     time.Now,
	}
}

// Arm schedules fn to run once after d, replacing any timer armed for key
func (t *Table[K]) Arm(key K, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}

	t.nextGen++
	gen := t.nextGen
	e := &entry{armedAt: t.now(), gen: gen}
	e.timer = time.AfterFunc(d, func() {
		if t.claim(key, gen) {
			fn()
		}
	})
	t.entries[key] = e
}

// claim removes the entry if it is still the one armed with gen
func (t *Table[K]) claim(key K, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// Cancel stops and removes the timer for key without running it
func (t *Table[K]) Cancel(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// CancelWhere cancels every timer whose key matches pred
func (t *Table[K]) CancelWhere(pred func(K) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, e := range t.entries {
		if pred(k) {
			e.timer.Stop()
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// SweepOlderThan cancels timers armed more than age ago
func (t *Table[K]) SweepOlderThan(age time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-age)
	n := 0
	for k, e := range t.entries {
		if e.armedAt.Before(cutoff) {
			e.timer.Stop()
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Has reports whether a timer is pending for key
func (t *Table[K]) Has(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of pending timers
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels every pending timer
func (t *Table[K]) Stop() int {
	return t.CancelWhere(func(K) bool { return true })
}
