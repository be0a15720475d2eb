package heartbeat

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Cadence and payload bounds.
// FUNCTIONAL DISCOVERY: Visible tabs report every 2s to keep distances
// moving on screen; hidden tabs drop to 6s - fresh enough to hold the
// presence record without burning battery in a background tab.
// The accuracy floor keeps over-precise location detail off the wire.
const (
	DefaultVisibleInterval = 2 * time.Second
	DefaultHiddenInterval  = 6 * time.Second
	DefaultAccuracyFloorM  = 25.0
)

// Options configures a Scheduler.
type Options struct {
	VisibleInterval time.Duration
	HiddenInterval  time.Duration
	AccuracyFloorM  float64
}

func (o *Options) withDefaults() {
	if o.VisibleInterval <= 0 {
		o.VisibleInterval = DefaultVisibleInterval
	}
	if o.HiddenInterval <= 0 {
		o.HiddenInterval = DefaultHiddenInterval
	}
	if o.AccuracyFloorM <= 0 {
		o.AccuracyFloorM = DefaultAccuracyFloorM
	}
}

// Scheduler emits periodic heartbeats while presence is live.
// ARCHITECTURAL DISCOVERY: The scheduler owns exactly one logical timer
// slot - restarting replaces the loop, never stacks a second one
type Scheduler struct {
	api      interfaces.PresenceAPI
	campusID string
	deviceID string
	opts     Options

	// Suppliers owned by the engine: the scheduler reads, never stores,
	// the current position and selected radius.
	position func() *types.Position
	radius   func() int

	onError func(error)

	mu      sync.Mutex
	running bool
	visible bool
	wake    chan struct{} // nudges the loop when visibility changes
	stop    chan struct{}
	wg      sync.WaitGroup

	// TECHNICAL DISCOVERY: CAS guard is the one hard mutual exclusion in
	// the engine - a second heartbeat must never be dispatched while one
	// is still in flight on a slow network
	inFlight atomic.Bool
}

// NewScheduler creates a heartbeat scheduler.
func NewScheduler(api interfaces.PresenceAPI, campusID, deviceID string,
	position func() *types.Position, radius func() int,
	onError func(error), opts Options) *Scheduler {

	opts.withDefaults()
	return &Scheduler{
		api:      api,
		campusID: campusID,
		deviceID: deviceID,
		opts:     opts,
		position: position,
		radius:   radius,
		onError:  onError,
		visible:  true,
	}
}

// Start begins the heartbeat loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	stop := s.stop
	wake := s.wake
	s.mu.Unlock()

	log.Printf("Heartbeat scheduler started (visible=%v hidden=%v)",
		s.opts.VisibleInterval, s.opts.HiddenInterval)

	s.wg.Add(1)
	go s.run(ctx, stop, wake)
	return nil
}

// Stop halts the loop, clears the in-flight guard, and best-effort notifies
// the backend that the user went offline. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.inFlight.Store(false)

	// FUNCTIONAL DISCOVERY: Offline notification lives here rather than in
	// the engine so every stop path - explicit passive switch or forced
	// demotion - reports offline exactly once
	s.api.SendOffline(s.campusID, s.deviceID)
	log.Printf("Heartbeat scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetVisible switches the cadence between visible and hidden intervals.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	wake := s.wake
	s.mu.Unlock()

	if changed && wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// SendNow dispatches a single synchronous heartbeat, used by the engine to
// confirm server acceptance before flipping to live mode.
func (s *Scheduler) SendNow(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil // one already in flight counts as sent
	}
	defer s.inFlight.Store(false)
	return s.send(ctx)
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visible {
		return s.opts.VisibleInterval
	}
	return s.opts.HiddenInterval
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, wake <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.interval())

		case <-wake:
			// Visibility changed: re-arm with the new cadence.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())

		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick dispatches one heartbeat unless a previous send is still in flight.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return // re-entrancy guard: skip this tick entirely
	}

	// TECHNICAL DISCOVERY: Send runs off the loop goroutine so a slow
	// network cannot delay the timer; the guard covers the overlap
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		if err := s.send(ctx); err != nil {
			// Failures are surfaced but never stop the schedule - the
			// next tick retries automatically.
			log.Printf("Heartbeat failed: %v", err)
			if s.onError != nil {
				s.onError(err)
			}
		}
	}()
}

func (s *Scheduler) send(ctx context.Context) error {
	pos := s.position()
	if pos == nil {
		return ErrNoPosition
	}

	hb := &types.HeartbeatRequest{
		Lat:       pos.Latitude,
		Lon:       pos.Longitude,
		AccuracyM: s.clampAccuracy(pos.AccuracyM),
		CampusID:  s.campusID,
		DeviceID:  s.deviceID,
		TSClient:  time.Now().UnixMilli(),
		RadiusM:   s.radius(),
	}
	return s.api.SendHeartbeat(ctx, hb)
}

// clampAccuracy never reports an accuracy below the floor, including the
// unknown-accuracy case.
func (s *Scheduler) clampAccuracy(accuracyM float64) float64 {
	if accuracyM < s.opts.AccuracyFloorM {
		return s.opts.AccuracyFloorM
	}
	return accuracyM
}
