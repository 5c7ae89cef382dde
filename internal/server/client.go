package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomhub/internal/registry"
)

// Client is the inbound side of one admitted WebSocket. Outbound frames go
// through the registry; Client reads, rate limits and relays what the peer
// sends, and keeps the connection alive with pings.
type Client struct {
	conn           *websocket.Conn
	reg            *registry.Registry
	id             string
	roomID         string
	userID         string
	addr           string
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

func newClient(conn *websocket.Conn, reg *registry.Registry, cfg Config, id, roomID, userID, addr string, log zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		reg:            reg,
		id:             id,
		roomID:         roomID,
		userID:         userID,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newMessageLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            log.With().Str("conn", id).Str("room", roomID).Str("user", userID).Str("addr", addr).Logger(),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection(ctx context.Context) {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug().Err(err).Msg("setting initial read deadline failed")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug().Err(err).Msg("setting read deadline in pong handler failed")
		}
		c.reg.Touch(ctx, c.roomID, c.id)
		return nil
	})
}

// handleReadError logs the read failure and reports the reason the
// connection is being dropped.
func (c *Client) handleReadError(err error) string {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn().Int64("max_message_size", c.maxMessageSize).Msg("message exceeded maximum size")
		return "message too large"
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.log.Info().Err(err).Msg("client disconnected")
		return "client disconnected"
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.log.Info().Err(err).Msg("client connection closed")
		return "client disconnected"
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.log.Info().Err(err).Msg("client stopped answering pings")
		return "connection timeout"
	}

	c.log.Warn().Err(err).Msg("websocket read error")
	return "read error"
}

// checkRateLimit reports whether the message should be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("refill_interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

// processMessage validates a raw frame and relays it to the rest of the room.
func (c *Client) processMessage(ctx context.Context, rawMessage []byte) bool {
	var msg InboundMessage
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		c.log.Warn().Err(err).Msg("invalid message")
		return false
	}
	if msg.Type == "" {
		c.log.Warn().Msg("message without type discarded")
		return false
	}

	out := OutboundMessage{
		Type:      msg.Type,
		Room:      c.roomID,
		From:      c.userID,
		Timestamp: time.Now().UTC(),
		Data:      msg.Data,
	}

	d, err := c.reg.BroadcastJSON(ctx, c.roomID, out, c.id)
	if err != nil {
		c.log.Warn().Err(err).Msg("relay failed")
		return false
	}
	c.log.Debug().Str("type", msg.Type).Int("delivered", d.Delivered).Msg("message relayed")
	return true
}

// run reads until the peer leaves or ctx is done, then removes the
// connection from the registry.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	reason := "client disconnected"
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered from panic in read loop")
			reason = "internal error"
		}
		cancel()
		if err := c.reg.Disconnect(context.WithoutCancel(ctx), c.roomID, c.id, reason); err != nil {
			c.log.Warn().Err(err).Msg("disconnect after read loop failed")
		}
	}()

	go c.pingLoop(ctx)
	c.setupReadConnection(ctx)

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			reason = c.handleReadError(err)
			return
		}

		c.reg.Touch(ctx, c.roomID, c.id)
		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(ctx, rawMessage)
	}
}

// pingLoop keeps the peer's read deadline moving until ctx is done.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug().Err(err).Msg("ping failed")
				}
				return
			}
		}
	}
}
