package position

import (
	"context"
	"log"
	"sync"
	"time"

	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Acquisition bounds for real device tracking.
// FUNCTIONAL DISCOVERY: 5s max age keeps cached fixes close to reality while
// a moving user crosses radius boundaries; 10s timeout bounds how long a
// go-live attempt can hang on a cold GPS
const (
	DefaultMaxAge         = 5 * time.Second
	DefaultAcquireTimeout = 10 * time.Second

	// DemoAccuracyM is the fixed coarse accuracy attached to demo fixes.
	DemoAccuracyM = 50.0
)

// Provider is the device geolocation backend a DeviceSource wraps.
// Subscribe registers continuous callbacks and returns a cancel func.
type Provider interface {
	Current(ctx context.Context) (*types.Position, error)
	Subscribe(onUpdate func(*types.Position), onError func(error)) (cancel func())
}

// DeviceSource adapts a Provider into a PositionSource with staleness and
// timeout bounds applied.
type DeviceSource struct {
	provider       Provider
	maxAge         time.Duration
	acquireTimeout time.Duration
}

// NewDeviceSource creates a source over a real location provider.
func NewDeviceSource(provider Provider) *DeviceSource {
	return &DeviceSource{
		provider:       provider,
		maxAge:         DefaultMaxAge,
		acquireTimeout: DefaultAcquireTimeout,
	}
}

// Acquire performs a one-shot high-accuracy fix bounded by the acquire timeout.
func (s *DeviceSource) Acquire(ctx context.Context) (*types.Position, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}

	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	pos, err := s.provider.Current(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Code: CodeTimeout, Message: "position acquisition timed out"}
		}
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Providers may answer from a cached fix; a fix
	// older than the max age is rejected rather than silently served
	if !pos.Timestamp.IsZero() && time.Since(pos.Timestamp) > s.maxAge {
		return nil, ErrStalePosition
	}

	if err := pos.Validate(); err != nil {
		return nil, err
	}
	return pos, nil
}

// Watch starts continuous tracking and returns its teardown handle.
// TECHNICAL DISCOVERY: The liveness flag is captured per subscription so
// provider callbacks that resolve after Cancel are ignored instead of
// mutating state owned by a superseded scope
func (s *DeviceSource) Watch(onUpdate func(*types.Position), onError func(error)) (interfaces.WatchHandle, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}

	h := &watchHandle{}
	providerCancel := s.provider.Subscribe(
		func(pos *types.Position) {
			if h.cancelled() {
				return
			}
			if !pos.Timestamp.IsZero() && time.Since(pos.Timestamp) > s.maxAge {
				return // stale callback, next one will be fresh
			}
			onUpdate(pos)
		},
		func(err error) {
			if h.cancelled() {
				return
			}
			onError(err)
		},
	)
	h.providerCancel = providerCancel
	return h, nil
}

type watchHandle struct {
	mu             sync.Mutex
	done           bool
	providerCancel func()
}

func (h *watchHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *watchHandle) Cancel() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	cancel := h.providerCancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// DemoSource supplies the fixed fallback coordinate used in demo scope.
// FUNCTIONAL DISCOVERY: Acquire never fails here - demo scope must always
// be able to go live even without any geolocation support
type DemoSource struct {
	Latitude  float64
	Longitude float64
}

// NewDemoSource creates a demo source seeded at the given coordinate.
func NewDemoSource(lat, lon float64) *DemoSource {
	return &DemoSource{Latitude: lat, Longitude: lon}
}

func (s *DemoSource) Acquire(ctx context.Context) (*types.Position, error) {
	return &types.Position{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		AccuracyM: DemoAccuracyM,
		Timestamp: time.Now(),
		Demo:      true,
	}, nil
}

// Watch emits the demo seed once and then stays silent: there is no real
// device movement to track.
func (s *DemoSource) Watch(onUpdate func(*types.Position), onError func(error)) (interfaces.WatchHandle, error) {
	h := &watchHandle{}
	pos, _ := s.Acquire(context.Background())
	go func() {
		if h.cancelled() {
			return
		}
		onUpdate(pos)
	}()
	log.Printf("Position source: demo seed at (%.5f, %.5f)", s.Latitude, s.Longitude)
	return h, nil
}
