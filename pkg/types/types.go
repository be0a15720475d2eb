package types

import (
	"encoding/json"
	"time"
)

// Socket event names shared by the realtime channel and the backend.
// ARCHITECTURAL DISCOVERY: Event name constants defined in one place
// to keep outbound emits and inbound dispatch in agreement
const (
	EventNearbySubscribe   = "nearby:subscribe"
	EventNearbyUnsubscribe = "nearby:unsubscribe"
	EventNearbyUpdate      = "nearby:update"
	EventPresenceNearby    = "presence:nearby"
	EventNearbyError       = "nearby:error"
)

// PresenceMode is the user-visible discoverability state.
// Transitions happen only through GoLive/GoPassive or forced demotion
// on a permission denial - never as a side effect of transient errors.
type PresenceMode string

const (
	ModeLive    PresenceMode = "live"
	ModePassive PresenceMode = "passive"
)

// ChannelStatus describes the realtime socket connection lifecycle.
type ChannelStatus string

const (
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusReconnecting ChannelStatus = "reconnecting"
	StatusDisconnected ChannelStatus = "disconnected"
)

// Invite lifecycle values carried on NearbyUser.
const (
	InviteNone     = "none"
	InvitePending  = "pending"
	InviteIncoming = "incoming"
)

// DefaultRadiiM are the discovery radii the engine tracks buckets for.
var DefaultRadiiM = []int{10, 50, 100, 200}

// Position is a single device location fix.
// FUNCTIONAL DISCOVERY: Position is replaced wholesale on every successful
// acquisition - field-by-field merging would let a stale accuracy survive
// next to a fresh coordinate
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m"` // <= 0 means accuracy unknown
	Timestamp time.Time `json:"timestamp"`
	Demo      bool      `json:"demo,omitempty"` // fallback seed, not a real fix
}

// NearbyUser is one discoverable peer inside a radius bucket.
// Identity is UserID; every other field is replaceable on update.
type NearbyUser struct {
	UserID       string  `json:"user_id"`
	DistanceM    float64 `json:"distance_m"`
	DisplayName  string  `json:"display_name"`
	Handle       string  `json:"handle"`
	AvatarURL    string  `json:"avatar_url"`
	IsFriend     bool    `json:"is_friend"`
	InviteStatus string  `json:"invite_status"`
}

// NearbyDiff is an incremental add/update/remove event for one radius bucket.
type NearbyDiff struct {
	RadiusM int          `json:"radius_m"`
	Added   []NearbyUser `json:"added,omitempty"`
	Updated []NearbyUser `json:"updated,omitempty"`
	Removed []string     `json:"removed,omitempty"`
}

// CursorUpdate is the append-only log variant of a nearby update: a batch of
// items extending a monotonically increasing cursor.
type CursorUpdate struct {
	RadiusM int          `json:"radius_m"`
	Cursor  int64        `json:"cursor"`
	Items   []NearbyUser `json:"items"`
}

// BucketMeta is the bookkeeping attached to each radius bucket.
type BucketMeta struct {
	Count       int       `json:"count"`
	Loading     bool      `json:"loading"`
	LastUpdated time.Time `json:"last_updated"`
}

// Bucket is the read-only view of one radius bucket handed to consumers.
// TECHNICAL DISCOVERY: Value copy with a freshly sorted Items slice prevents
// consumers from observing in-place mutations by the accumulator
type Bucket struct {
	RadiusM int          `json:"radius_m"`
	Items   []NearbyUser `json:"items"`
	Meta    BucketMeta   `json:"meta"`
	Error   string       `json:"error,omitempty"`
}

// HeartbeatRequest is the POST /presence/heartbeat payload.
type HeartbeatRequest struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AccuracyM float64 `json:"accuracy_m"`
	CampusID  string  `json:"campus_id"`
	DeviceID  string  `json:"device_id"`
	TSClient  int64   `json:"ts_client"`
	RadiusM   int     `json:"radius_m"`
}

// SocketEnvelope frames every message on the realtime channel.
type SocketEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest is the payload of subscribe/unsubscribe frames.
type SubscribeRequest struct {
	CampusID string `json:"campus_id"`
	RadiusM  int    `json:"radius_m"`
}

// SocketError is the payload of an EventNearbyError frame.
type SocketError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NoticeKind classifies user-facing notices so that clearing logic can
// target exactly the notices it owns.
type NoticeKind string

const (
	NoticeLocation  NoticeKind = "location"
	NoticeCooldown  NoticeKind = "cooldown"
	NoticeNetwork   NoticeKind = "network"
	NoticeHeartbeat NoticeKind = "heartbeat"
)

// Notice is a user-facing banner raised by the engine.
// FUNCTIONAL DISCOVERY: Persistent notices survive until explicitly resolved
// (permission denial), transient ones auto-clear on the next success
type Notice struct {
	ID         string     `json:"id"`
	Kind       NoticeKind `json:"kind"`
	Message    string     `json:"message"`
	Persistent bool       `json:"persistent"`
	RaisedAt   time.Time  `json:"raised_at"`
}
