package engine

import (
	"log"
	"sync"

	"nearsync/pkg/types"
)

// EventType classifies engine events delivered to subscribers.
type EventType string

const (
	EventBucketUpdated EventType = "bucket_updated"
	EventModeChanged   EventType = "mode_changed"
	EventChannelStatus EventType = "channel_status"
	EventNoticeRaised  EventType = "notice_raised"
	EventNoticeCleared EventType = "notice_cleared"
)

// Event is one state change published by the engine. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type   EventType
	Bucket *types.Bucket
	Mode   types.PresenceMode
	Status types.ChannelStatus
	Notice *types.Notice
}

// subscriberBuffer bounds each subscriber's pending events.
const subscriberBuffer = 32

// subscribers is the engine's fan-out registry.
// ARCHITECTURAL DISCOVERY: Per-subscriber buffered channels with drop-on-full
// delivery - a stalled consumer loses events rather than stalling the
// accumulator or the read loop
type subscribers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan Event)}
}

func (s *subscribers) add() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("Engine event dropped for slow subscriber: %s", ev.Type)
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
