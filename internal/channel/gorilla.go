package channel

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nearsync/pkg/interfaces"
)

// WebsocketFactory dials the backend's realtime endpoint with gorilla.
type WebsocketFactory struct {
	socketURL string
	dialer    *websocket.Dialer
}

// NewWebsocketFactory creates a factory for the given ws:// or wss:// URL.
// An empty URL makes the factory report not-ready until SetURL is called,
// which lets the channel mount before configuration resolves.
func NewWebsocketFactory(socketURL string) *WebsocketFactory {
	return &WebsocketFactory{
		socketURL: socketURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetURL makes a not-ready factory ready.
func (f *WebsocketFactory) SetURL(socketURL string) {
	f.socketURL = socketURL
}

// Dial opens one realtime connection carrying the scope identity.
func (f *WebsocketFactory) Dial(ctx context.Context, userID, campusID string) (interfaces.SocketConn, error) {
	if f.socketURL == "" {
		return nil, interfaces.ErrFactoryNotReady
	}

	u, err := url.Parse(f.socketURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("campus_id", campusID)
	u.RawQuery = q.Encode()

	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn serializes writes on a gorilla connection.
// TECHNICAL DISCOVERY: WebSocket writes must be serialized - the channel's
// control path and its teardown path can both emit frames
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadJSON(v interface{}) error {
	return c.conn.ReadJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
