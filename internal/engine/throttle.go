package engine

import (
	"sync"
	"time"

	"github.com/agentic-research/refract/api"
)

// throttleGate rate-limits update emissions for one derived path. The first
// updates in a window pass through immediately; the remainder are coalesced
// (latest survives) into a single trailing emission when the window closes.
type throttleGate struct {
	updates int
	period  time.Duration
	clock   Clock
	emit    func(api.Action)
	onDrop  func()

	mu        sync.Mutex
	windowEnd time.Time
	emitted   int
	pending   *api.Action
	timer     Timer
}

func newThrottleGate(updates int, period time.Duration, clock Clock, emit func(api.Action), onDrop func()) *throttleGate {
	return &throttleGate{updates: updates, period: period, clock: clock, emit: emit, onDrop: onDrop}
}

// offer submits an update. The gate either emits it now or buffers it for
// the trailing window emission.
func (g *throttleGate) offer(a api.Action) {
	g.mu.Lock()
	now := g.clock.Now()
	if !now.Before(g.windowEnd) {
		g.windowEnd = now.Add(g.period)
		g.emitted = 0
	}
	// The first update in a window always passes immediately; the trailing
	// coalesced emission accounts for the window's final quota slot.
	lead := g.updates - 1
	if lead < 1 {
		lead = 1
	}
	if g.emitted < lead {
		g.emitted++
		g.mu.Unlock()
		g.emit(a)
		return
	}
	if g.pending != nil && g.onDrop != nil {
		g.onDrop()
	}
	g.pending = &a
	if g.timer == nil {
		g.timer = g.clock.AfterFunc(g.windowEnd.Sub(now), g.fire)
	}
	g.mu.Unlock()
}

func (g *throttleGate) fire() {
	g.mu.Lock()
	a := g.pending
	g.pending = nil
	g.timer = nil
	if a != nil {
		g.emitted = 1
		g.windowEnd = g.clock.Now().Add(g.period)
	}
	g.mu.Unlock()
	if a != nil {
		g.emit(*a)
	}
}

// cancel discards any buffered update. Used when the derived entry is
// removed.
func (g *throttleGate) cancel() {
	g.mu.Lock()
	g.pending = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
}
