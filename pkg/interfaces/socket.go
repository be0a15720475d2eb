package interfaces

import "context"

// SocketConn is a single realtime connection to the backend.
// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface -
// WriteJSON may be called from the channel's control path while ReadJSON
// runs in the read loop, so implementations must serialize writes
type SocketConn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// SocketFactory constructs socket connections for a (user, campus) scope.
// ARCHITECTURAL DISCOVERY: Factory abstraction replaces a module-level
// socket singleton - each RealtimeChannel owns exactly the connections
// its factory produced, and lifecycle is bound to the channel instance
type SocketFactory interface {
	// Dial opens a new connection. A factory that is not ready yet returns
	// ErrFactoryNotReady; the channel retries construction after a fixed delay.
	Dial(ctx context.Context, userID, campusID string) (SocketConn, error)
}
