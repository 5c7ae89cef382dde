package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Close codes passed to Channel.Close. They follow RFC 6455.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Channel is a ready, already upgraded bidirectional transport. Send must
// honour the context deadline. A Channel whose peer went away returns an
// error matching ErrTransportClosed.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
}

// Acceptor is implemented by channels that need a final accept step before
// they can carry traffic. Initialize calls it when present.
type Acceptor interface {
	Accept(ctx context.Context) error
}

// State is the lifecycle stage of a Connection.
type State int32

const (
	StatePending State = iota
	StateAccepted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnOptions carries the collaborators of a Connection. Zero values fall
// back to a no-op logger, the wall clock and the default jitter.
type ConnOptions struct {
	ID         string
	Logger     zerolog.Logger
	BackoffCap time.Duration
	Jitter     func() float64
	Now        func() time.Time
}

// Connection wraps one Channel. Its state only moves forward:
// Pending -> Accepted -> Disconnected.
type Connection struct {
	id     string
	roomID string
	userID string
	ch     Channel

	log        zerolog.Logger
	now        func() time.Time
	jitter     func() float64
	backoffCap time.Duration

	connectedAt  time.Time
	lastActivity atomic.Int64

	// mu is the accept guard; it protects state, closeSent and closed.
	mu        sync.Mutex
	state     State
	closeSent bool
	closed    chan struct{}

	// sendGuard serializes Send and can be waited on with a deadline.
	sendGuard *semaphore.Weighted
}

// NewConnection returns a Pending connection for ch in roomID.
func NewConnection(ch Channel, roomID, userID string, opts ConnOptions) *Connection {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultConfig().BackoffCap
	}

	now := opts.Now()
	c := &Connection{
		id:          opts.ID,
		roomID:      roomID,
		userID:      userID,
		ch:          ch,
		log:         opts.Logger,
		now:         opts.Now,
		jitter:      opts.Jitter,
		backoffCap:  opts.BackoffCap,
		connectedAt: now,
		state:       StatePending,
		closed:      make(chan struct{}),
		sendGuard:   semaphore.NewWeighted(1),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) RoomID() string { return c.roomID }
func (c *Connection) UserID() string { return c.userID }

// ConnectedAt reports when the connection was created.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity reports the last successful send or inbound touch.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch marks the connection as active now.
func (c *Connection) Touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize moves a Pending connection to Accepted. It returns false when
// the connection already left Pending, when the channel's Accept fails, or
// when ctx expires first. A failed handshake is terminal.
func (c *Connection) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePending {
		return false
	}

	if a, ok := c.ch.(Acceptor); ok {
		if err := a.Accept(ctx); err != nil {
			c.log.Warn().Err(err).Msg("handshake failed")
			c.disconnectLocked()
			return false
		}
	}
	if err := ctx.Err(); err != nil {
		c.log.Warn().Err(err).Msg("handshake expired")
		c.disconnectLocked()
		return false
	}

	c.state = StateAccepted
	c.lastActivity.Store(c.now().UnixNano())
	return true
}

// Send transmits payload, retrying transient failures up to maxRetries
// attempts with jittered exponential backoff starting at initialDelay. A
// transport closure or exhausted retries leave the connection Disconnected.
// ctx bounds the whole call, including the wait for a concurrent Send.
func (c *Connection) Send(ctx context.Context, payload []byte, maxRetries int, initialDelay time.Duration) bool {
	if err := c.sendGuard.Acquire(ctx, 1); err != nil {
		c.log.Debug().Err(err).Msg("send guard wait expired")
		return false
	}
	defer c.sendGuard.Release(1)

	b := newBackoff(initialDelay, c.backoffCap, c.jitter)
	attempts := 0
	for attempts < maxRetries && c.State() == StateAccepted {
		err := c.ch.Send(ctx, payload)
		if err == nil {
			c.Touch()
			return true
		}
		if errors.Is(err, ErrTransportClosed) {
			c.log.Info().Err(err).Msg("transport closed during send")
			c.markDisconnected()
			return false
		}

		attempts++
		c.log.Warn().Err(err).Int("attempt", attempts).Int("max_retries", maxRetries).Msg("send failed")
		if attempts >= maxRetries {
			break
		}
		if !c.wait(ctx, b.next()) {
			return false
		}
	}

	if attempts >= maxRetries && c.markDisconnectedIf(StateAccepted) {
		c.log.Warn().Int("attempts", attempts).Msg("send retries exhausted")
	}
	return false
}

// Close gracefully closes the transport once and leaves the connection
// Disconnected. Transport errors are logged, never returned. A sleeping
// Send wakes up and gives up.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeSent {
		return
	}
	c.closeSent = true

	if err := c.ch.Close(code, reason); err != nil && !errors.Is(err, ErrTransportClosed) {
		c.log.Debug().Err(err).Int("code", code).Str("reason", reason).Msg("transport close failed")
	}
	c.disconnectLocked()
}

// wait sleeps for d unless ctx expires or the connection is closed first.
func (c *Connection) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Connection) markDisconnectedIf(want State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return false
	}
	c.disconnectLocked()
	return true
}

func (c *Connection) disconnectLocked() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	close(c.closed)
}
