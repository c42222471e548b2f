package replication

import (
	"sync"
	"time"
)

// GiveUpTracker decides when the slave should stop reconnecting to a
// flapping master. It keeps a short history of recent successful reconnect
// times; once the history is full and its oldest entry is still inside the
// trailing window, further automatic reconnects are pointless (the master
// keeps coming back and dropping us) and the slave parks until an operator
// resets the state.
//
// The history is bounded at maxReconnects entries, which turns the sliding
// window query into a check against a small fixed-size buffer: the oldest
// retained entry is exactly the one that decides whether the window is
// saturated.
//
// Thread safety: all methods lock. The run loop records and queries from
// its own goroutine while administrative commands reset from request
// goroutines.
type GiveUpTracker struct {
	mu         sync.Mutex
	reconnects []time.Time // chronological, oldest first

	window        time.Duration
	maxReconnects int

	// now is the clock; replaced in tests.
	now func() time.Time
}

// NewGiveUpTracker creates a tracker that gives up after maxReconnects
// successful reconnects within the trailing window.
func NewGiveUpTracker(window time.Duration, maxReconnects int) *GiveUpTracker {
	return &GiveUpTracker{
		window:        window,
		maxReconnects: maxReconnects,
		now:           time.Now,
	}
}

// OnReconnect records a successful reconnect at the current time, then
// discards the oldest entries so at most maxReconnects remain.
func (g *GiveUpTracker) OnReconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reconnects = append(g.reconnects, g.now())
	if excess := len(g.reconnects) - g.maxReconnects; excess > 0 {
		g.reconnects = append(g.reconnects[:0], g.reconnects[excess:]...)
	}
}

// GiveUp reports whether the reconnect budget is exhausted: the history is
// at capacity and its oldest retained entry is still within the trailing
// window. Pure query, no mutation.
func (g *GiveUpTracker) GiveUp() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.reconnects) < g.maxReconnects {
		return false
	}
	return g.now().Sub(g.reconnects[0]) <= g.window
}

// Reset clears the history unconditionally, forgiving past flapping.
// Called by the failover_reset command and on explicit master changes.
func (g *GiveUpTracker) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reconnects = g.reconnects[:0]
}
