// Package cooldown tracks the rate-limit suppression window signalled by the
// presence backend. While the window is open, radius switches and snapshot
// refreshes are rejected with a user-facing message instead of silently
// dropped.
package cooldown

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCoolingDown rejects gated operations while the window is open.
var ErrCoolingDown = errors.New("rate limited, try again shortly")

// DefaultWindow is used when the backend does not say how long to wait.
const DefaultWindow = 15 * time.Second

// Controller is the idle -> cooling(expiresAt) -> idle state machine.
// ARCHITECTURAL DISCOVERY: Exactly one timer slot - starting a new cooldown
// replaces the pending timer rather than stacking a second clear
type Controller struct {
	mu        sync.Mutex
	active    bool
	expiresAt time.Time
	timer     *time.Timer
	gen       uint64 // invalidates clears from replaced timers

	// onClear fires exactly once when a window expires. It must clear only
	// cooldown-attributable errors, never unrelated ones that arrived later.
	onClear func()
}

// NewController creates an idle controller. onClear may be nil.
func NewController(onClear func()) *Controller {
	return &Controller{onClear: onClear}
}

// Start opens (or replaces) a cooldown window of duration d.
func (c *Controller) Start(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.active = true
	c.expiresAt = time.Now().Add(d)
	c.gen++
	gen := c.gen

	// TECHNICAL DISCOVERY: The generation counter makes a replaced timer's
	// late fire a no-op even if it was already past Stop's reach
	c.timer = time.AfterFunc(d, func() { c.clear(gen) })
	c.mu.Unlock()

	log.Printf("Cooldown started, expires in %v", d)
}

func (c *Controller) clear(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.timer = nil
	cb := c.onClear
	c.mu.Unlock()

	log.Printf("Cooldown cleared")
	if cb != nil {
		cb()
	}
}

// Active reports whether a cooldown window is currently open.
// FUNCTIONAL DISCOVERY: The flag is flipped by the timer, never derived by
// polling the clock, so Active and the onClear callback can never disagree
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Remaining returns how long until the window closes, zero when idle.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	if d := time.Until(c.expiresAt); d > 0 {
		return d
	}
	return 0
}

// Gate returns ErrCoolingDown when the window is open, nil otherwise.
// Radius-change requests and manual refreshes call this before proceeding.
func (c *Controller) Gate() error {
	if c.Active() {
		return ErrCoolingDown
	}
	return nil
}

// Cancel stops any pending window without firing onClear, used on teardown.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.active = false
	c.gen++
}
