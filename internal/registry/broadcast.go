package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Delivery summarizes one broadcast.
type Delivery struct {
	Targets   int      `json:"targets"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Broadcast sends payload to every member of roomID except excludeID. The
// member list is copied under the room guard and the guard is released
// before any send, so slow peers never block admission or other rooms.
// Members that fail or time out are disconnected afterwards. If ctx ends
// first, only members whose transport is already gone are disconnected; the
// rest stay in the room. A connection admitted after the copy does not
// receive the payload.
//
// The only error is ErrLockTimeout while taking the copy.
func (r *Registry) Broadcast(ctx context.Context, roomID string, payload []byte, excludeID string) (Delivery, error) {
	cfg := r.Config()

	conns, err := r.snapshot(ctx, roomID)
	if err != nil {
		r.metrics.timeout(TimeoutLockAcquisition)
		r.log.Warn().Err(err).
			Str("room", roomID).
			Str("category", string(TimeoutLockAcquisition)).
			Msg("broadcast lock wait expired")
		return Delivery{}, err
	}

	targets := conns[:0]
	for _, c := range conns {
		if excludeID != "" && c.ID() == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		return Delivery{}, nil
	}

	var (
		mu     sync.Mutex
		failed []*Connection
	)
	g := new(errgroup.Group)
	g.SetLimit(cfg.BroadcastWorkers)
	for _, c := range targets {
		g.Go(func() error {
			if !r.deliver(ctx, cfg, c, payload) {
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// After caller cancellation only connections that already left Accepted
	// are reaped.
	abandoned := ctx.Err() != nil
	reap := context.WithoutCancel(ctx)
	d := Delivery{Targets: len(targets), Delivered: len(targets) - len(failed)}
	reaped := 0
	for _, c := range failed {
		d.Failed = append(d.Failed, c.ID())
		if abandoned && c.State() != StateDisconnected {
			continue
		}
		_ = r.Disconnect(reap, roomID, c.ID(), "failed to send message")
		reaped++
	}

	if len(failed) > 0 {
		r.log.Warn().
			Str("room", roomID).
			Int("targets", d.Targets).
			Int("failed", len(failed)).
			Int("reaped", reaped).
			Bool("abandoned", abandoned).
			Msg("broadcast finished with failures")
	} else {
		r.log.Debug().Str("room", roomID).Int("targets", d.Targets).Msg("broadcast finished")
	}
	return d, nil
}

// BroadcastJSON encodes v once and broadcasts the bytes. The registry never
// looks inside v.
func (r *Registry) BroadcastJSON(ctx context.Context, roomID string, v any, excludeID string) (Delivery, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode broadcast for room %s: %w", roomID, err)
	}
	return r.Broadcast(ctx, roomID, payload, excludeID)
}

// deliver sends to one connection within MessageTimeout.
func (r *Registry) deliver(ctx context.Context, cfg Config, c *Connection, payload []byte) bool {
	mctx, cancel := context.WithTimeout(ctx, cfg.MessageTimeout)
	defer cancel()

	if c.Send(mctx, payload, cfg.MaxRetries, cfg.InitialBackoff) {
		return true
	}

	ev := r.log.Warn().Str("room", c.RoomID()).Str("conn", c.ID())
	if ctx.Err() == nil && errors.Is(mctx.Err(), context.DeadlineExceeded) {
		r.metrics.timeout(TimeoutMessage)
		ev = ev.Str("category", string(TimeoutMessage))
	}
	ev.Str("state", c.State().String()).Msg("delivery failed")
	return false
}
