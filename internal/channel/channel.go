// Package channel owns the realtime socket connection for one (user, campus)
// scope: subscribe/unsubscribe per radius, reconnect, and resubscribe exactly
// once per reconnect.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"nearsync/pkg/interfaces"
	"nearsync/pkg/types"
)

// Reconnect pacing.
// FUNCTIONAL DISCOVERY: Factory-not-ready is retried on a fixed 1s delay
// rather than failing permanently - at mount time the transport may simply
// not be constructed yet
const (
	DefaultFactoryRetry   = time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// Handlers bundles the inbound event callbacks a consumer attaches before
// opening the channel. All callbacks run on the channel's read goroutine.
type Handlers struct {
	OnDiff      func(types.NearbyDiff)
	OnCursor    func(types.CursorUpdate)
	OnStatus    func(types.ChannelStatus)
	OnRateLimit func(types.SocketError)
}

// Channel is a single owned realtime connection per (user, campus) pair.
// ARCHITECTURAL DISCOVERY: Explicitly owned instance instead of a module
// level socket singleton - lifecycle is bound to Open/Close on this value,
// and only this type ever emits subscribe/unsubscribe on the socket
type Channel struct {
	factory  interfaces.SocketFactory
	userID   string
	campusID string
	handlers Handlers

	factoryRetry   time.Duration
	reconnectDelay time.Duration

	mu     sync.Mutex
	conn   interfaces.SocketConn
	status types.ChannelStatus
	opened bool
	closed bool

	// wanted is the set of radii of interest across connections; joined is
	// per-connection state, reset on every (re)connect.
	// TECHNICAL DISCOVERY: The joined set replaces an implicit last-joined
	// marker - it is consulted before every subscribe emit, which is what
	// keeps flapping reconnects from double-joining a room
	wanted map[int]bool
	joined map[int]bool

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a channel for one (user, campus) scope.
func New(factory interfaces.SocketFactory, userID, campusID string, handlers Handlers) *Channel {
	return &Channel{
		factory:        factory,
		userID:         userID,
		campusID:       campusID,
		handlers:       handlers,
		factoryRetry:   DefaultFactoryRetry,
		reconnectDelay: DefaultReconnectDelay,
		status:         types.StatusDisconnected,
		wanted:         make(map[int]bool),
		joined:         make(map[int]bool),
	}
}

// Open starts the connect/read/reconnect loop.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.setStatus(types.StatusConnecting)
	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// Status returns the current connection status.
func (c *Channel) Status() types.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe registers interest in a radius. If the channel is connected the
// join is emitted immediately; otherwise it is emitted on the next connect.
func (c *Channel) Subscribe(radiusM int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.wanted[radiusM] = true
	err := c.joinLocked(radiusM)
	c.mu.Unlock()
	return err
}

// Unsubscribe removes interest in a radius and leaves the room if joined.
func (c *Channel) Unsubscribe(radiusM int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	delete(c.wanted, radiusM)
	if c.conn == nil || !c.joined[radiusM] {
		return nil
	}
	delete(c.joined, radiusM)
	return c.conn.WriteJSON(envelope(types.EventNearbyUnsubscribe, types.SubscribeRequest{
		CampusID: c.campusID,
		RadiusM:  radiusM,
	}))
}

// Close tears the channel down: unsubscribe every joined radius, detach all
// listeners, close the socket. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		joined := make([]int, 0, len(c.joined))
		for r := range c.joined {
			joined = append(joined, r)
		}
		c.joined = make(map[int]bool)
		cancel := c.cancel
		// FUNCTIONAL DISCOVERY: Listeners detach before the socket closes
		// so no callback can observe a half-torn-down channel
		c.handlers = Handlers{}
		c.mu.Unlock()

		if conn != nil {
			for _, r := range joined {
				_ = conn.WriteJSON(envelope(types.EventNearbyUnsubscribe, types.SubscribeRequest{
					CampusID: c.campusID,
					RadiusM:  r,
				}))
			}
			_ = conn.Close()
		}
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.setStatus(types.StatusDisconnected)
	})
	return nil
}

// joinLocked emits a subscribe for a radius at most once per connection.
func (c *Channel) joinLocked(radiusM int) error {
	if c.conn == nil || c.joined[radiusM] {
		return nil
	}
	c.joined[radiusM] = true
	return c.conn.WriteJSON(envelope(types.EventNearbySubscribe, types.SubscribeRequest{
		CampusID: c.campusID,
		RadiusM:  radiusM,
	}))
}

// run is the connect/read/reconnect loop.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for {
		if c.isClosed() || ctx.Err() != nil {
			return
		}

		conn, err := c.factory.Dial(ctx, c.userID, c.campusID)
		if err != nil {
			if errors.Is(err, interfaces.ErrFactoryNotReady) {
				// Not surfaced to the user: keep retrying while mounted.
				if !sleepCtx(ctx, c.factoryRetry) {
					return
				}
				continue
			}
			log.Printf("Realtime channel dial failed: %v", err)
			c.setStatus(types.StatusReconnecting)
			if !sleepCtx(ctx, c.reconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		// Fresh connection event: nothing is joined yet on this socket.
		c.joined = make(map[int]bool)
		for r := range c.wanted {
			if err := c.joinLocked(r); err != nil {
				log.Printf("Realtime channel resubscribe failed for radius %dm: %v", r, err)
			}
		}
		c.mu.Unlock()

		if attempt == 0 {
			c.setStatus(types.StatusConnected)
		} else {
			log.Printf("Realtime channel reconnected (attempt %d)", attempt)
			c.setStatus(types.StatusConnected)
		}
		attempt++

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		c.setStatus(types.StatusReconnecting)
		if !sleepCtx(ctx, c.reconnectDelay) {
			return
		}
	}
}

// readLoop reads frames until the connection dies.
func (c *Channel) readLoop(conn interfaces.SocketConn) {
	for {
		var env types.SocketEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if !c.isClosed() {
				log.Printf("Realtime channel read error: %v", err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env types.SocketEnvelope) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch env.Event {
	case types.EventNearbyUpdate:
		var diff types.NearbyDiff
		if err := json.Unmarshal(env.Data, &diff); err != nil {
			log.Printf("Realtime channel: bad nearby:update payload: %v", err)
			return
		}
		if h.OnDiff != nil {
			h.OnDiff(diff)
		}

	case types.EventPresenceNearby:
		var cu types.CursorUpdate
		if err := json.Unmarshal(env.Data, &cu); err != nil {
			log.Printf("Realtime channel: bad presence:nearby payload: %v", err)
			return
		}
		if h.OnCursor != nil {
			h.OnCursor(cu)
		}

	case types.EventNearbyError:
		var se types.SocketError
		if err := json.Unmarshal(env.Data, &se); err != nil {
			log.Printf("Realtime channel: bad nearby:error payload: %v", err)
			return
		}
		if se.Code == http.StatusTooManyRequests && h.OnRateLimit != nil {
			h.OnRateLimit(se)
		} else {
			log.Printf("Realtime channel error event: %d %s", se.Code, se.Message)
		}

	default:
		// Unknown events are ignored: the backend may ship new ones first.
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) setStatus(status types.ChannelStatus) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	h := c.handlers
	c.mu.Unlock()

	if h.OnStatus != nil {
		h.OnStatus(status)
	}
}

func envelope(event string, payload interface{}) types.SocketEnvelope {
	data, _ := json.Marshal(payload)
	return types.SocketEnvelope{Event: event, Data: data}
}

// sleepCtx waits for d unless ctx ends first; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
