// internal/debounce/debounce.go
package debounce

import (
	"sync"
	"time"
)

// Group holds at most one pending one-shot timer per key. Arming a key that
// already has a pending timer cancels it first. A callback that was already
// firing when it got cancelled is suppressed by the key's generation number,
// so only the latest Arm can run.
type Group[K comparable] struct {
	delay time.Duration

	mu      sync.Mutex
	timers  map[K]*time.Timer
	gens    map[K]uint64
	stopped bool
}

func New[K comparable](delay time.Duration) *Group[K] {
	return &Group[K]{
		delay:  delay,
		timers: make(map[K]*time.Timer),
		gens:   make(map[K]uint64),
	}
}

// Arm schedules fn to run after the group delay. It reports whether a pending
// timer for the same key was replaced.
func (g *Group[K]) Arm(key K, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}

	replaced := false
	if t, ok := g.timers[key]; ok {
		t.Stop()
		replaced = true
	}
	g.gens[key]++
	gen := g.gens[key]
	g.timers[key] = time.AfterFunc(g.delay, func() {
		if !g.claim(key, gen) {
			return
		}
		fn()
	})
	return replaced
}

// claim removes the timer for key if gen is still current.
func (g *Group[K]) claim(key K, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.gens[key] != gen {
		return false
	}
	delete(g.timers, key)
	return true
}

// Pending reports whether key has a timer that has not fired yet.
func (g *Group[K]) Pending(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[key]
	return ok
}

// Cancel drops the pending timer for key, if any.
func (g *Group[K]) Cancel(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(g.timers, key)
	g.gens[key]++
	return true
}

// Stop cancels every pending timer. Later Arm calls are no-ops.
func (g *Group[K]) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, t := range g.timers {
		t.Stop()
		delete(g.timers, k)
	}
	g.stopped = true
}
