package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseNormal is the close code used for intentional disconnects. A close
// with this code never triggers reconnection.
const CloseNormal = websocket.CloseNormalClosure

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	maxFrameSize            = 512 * 1024
)

// CloseError reports that the peer closed the connection with the given code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// Transport is a single established realtime connection. Implementations
// must allow ReadMessage to be called concurrently with WriteMessage/Close.
type Transport interface {
	// ReadMessage blocks until the next frame arrives. A peer close surfaces
	// as *CloseError; any other error means the transport failed.
	ReadMessage() ([]byte, error)

	// WriteMessage writes a single text frame.
	WriteMessage(data []byte) error

	// Close writes a close frame with the given code and tears the
	// connection down.
	Close(code int) error
}

// Dialer opens transports. The manager takes a Dialer so tests can inject a
// fake transport factory.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// WebsocketDialer dials gorilla/websocket transports.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

// wsTransport wraps a gorilla connection. Writes are serialized because
// gorilla permits only one concurrent writer.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, fmt.Errorf("read message failed: %w", err)
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int) error {
	t.writeMu.Lock()
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}
