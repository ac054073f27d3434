package throttle

import (
	"strings"
	"sync"
	"time"
)

// Key identifies what is being throttled
type Key struct {
	TenantID   string
	EntityType string
	EntityID   string
}

func (k Key) String() string {
	return strings.Join([]string{k.TenantID, k.EntityType, k.EntityID}, "/")
}

// Config sets the limits. MaxPerWindow of zero disables throttling.
type Config struct {
	MaxPerWindow int
	Window       time.Duration
	TTL          time.Duration
}

// Throttle is a concurrency-safe keyed sliding-window limiter
type Throttle struct {
	mu      sync.Mutex
	cfg     Config
	windows map[Key]*window
	timeNow func() time.Time // Injectable for testing
	lastGC  time.Time
}

// New creates a throttle with real time
func New(cfg Config) *Throttle {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a throttle with an injectable clock (for testing)
func NewWithClock(cfg Config, timeNow func() time.Time) *Throttle {
	return &Throttle{
		cfg:     normalize(cfg),
		windows: make(map[Key]*window),
		timeNow: timeNow,
		lastGC:  timeNow(),
	}
}

func normalize(cfg Config) Config {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.TTL < cfg.Window {
		cfg.TTL = cfg.Window
	}
	return cfg
}

// Allow records a call for key, or returns a *LimitError (marked
// errors.ErrRateLimited) when the key already used its window.
func (t *Throttle) Allow(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.MaxPerWindow <= 0 {
		return nil
	}

	now := t.timeNow()
	t.maybeEvict(now)

	w, ok := t.windows[key]
	if !ok {
		w = &window{calls: make([]time.Time, 0, t.cfg.MaxPerWindow)}
		t.windows[key] = w
	}
	return w.allow(now, t.cfg.MaxPerWindow, t.cfg.Window)
}

// Reconfigure swaps the limits, keeping recorded calls
func (t *Throttle) Reconfigure(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = normalize(cfg)
}

// Stats returns calls inside the current window and the remaining capacity for key
func (t *Throttle) Stats(key Key) (callsInWindow int, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.windows[key]; ok {
		w.removeExpired(t.timeNow(), t.cfg.Window)
		callsInWindow = len(w.calls)
	}
	return callsInWindow, max(0, t.cfg.MaxPerWindow-callsInWindow)
}

// Len returns the number of tracked keys
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// Evict drops keys idle for longer than the TTL and returns how many went
func (t *Throttle) Evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evict(t.timeNow())
}

// maybeEvict sweeps at most once per window so Allow stays O(1) amortized
func (t *Throttle) maybeEvict(now time.Time) {
	if now.Sub(t.lastGC) < t.cfg.Window {
		return
	}
	t.evict(now)
}

func (t *Throttle) evict(now time.Time) int {
	t.lastGC = now
	evicted := 0
	for k, w := range t.windows {
		if now.Sub(w.lastSeen) > t.cfg.TTL {
			delete(t.windows, k)
			evicted++
		}
	}
	return evicted
}
