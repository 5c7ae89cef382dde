package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomhub/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	closeWait  = time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsChannel adapts a gorilla connection to registry.Channel. gorilla allows
// one concurrent writer; the registry serializes Send per connection, and
// Close only uses WriteControl, which is safe alongside it.
type wsChannel struct {
	conn   *websocket.Conn
	roomID string
	userID string
	now    func() time.Time
}

func newWSChannel(conn *websocket.Conn, roomID, userID string) *wsChannel {
	return &wsChannel{conn: conn, roomID: roomID, userID: userID, now: time.Now}
}

// Accept writes the welcome frame that completes the handshake.
func (c *wsChannel) Accept(ctx context.Context) error {
	payload, err := json.Marshal(welcomeMessage{
		Type:      messageTypeWelcome,
		Room:      c.roomID,
		User:      c.userID,
		Timestamp: c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode welcome: %w", err)
	}
	return c.Send(ctx, payload)
}

// Send writes one text frame. The write deadline comes from ctx, or writeWait
// when ctx has none.
func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = c.now().Add(writeWait)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return classifyWriteError(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// Close sends a close frame carrying code and reason, then drops the socket.
func (c *wsChannel) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, c.now().Add(closeWait))
	cerr := c.conn.Close()

	if werr != nil && !isExpectedCloseError(werr) {
		return fmt.Errorf("write close frame: %w", werr)
	}
	if cerr != nil && !isExpectedCloseError(cerr) {
		return fmt.Errorf("close socket: %w", cerr)
	}
	return nil
}

// classifyWriteError maps errors that mean the peer is gone onto
// registry.ErrTransportClosed. A write that hit its deadline counts as gone:
// gorilla leaves the connection corrupt after a write timeout. Anything else
// stays retryable.
func classifyWriteError(err error) error {
	if errors.Is(err, websocket.ErrCloseSent) || isExpectedCloseError(err) {
		return fmt.Errorf("%w: %v", registry.ErrTransportClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: write timed out: %v", registry.ErrTransportClosed, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %v", registry.ErrTransportClosed, err)
	}
	return err
}
