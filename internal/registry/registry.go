// Package registry is the connection registry and broadcast engine: it
// admits connections into rooms under global and per-room limits, fans
// messages out to a room snapshot, and evicts idle or failing peers. Every
// lock wait and every transport operation is time-bounded; an expired bound
// is an ordinary failed result plus a metric, never a blocked caller.
//
// Lock order: the global guard protects the admission counter and the
// creation of room guards. It is released before a room guard is waited on,
// so a busy room never stalls admission into other rooms. Room membership is
// only changed while that room's guard is held. Broadcast copies membership
// under the guard and performs I/O after releasing it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// room is a membership table. members is only read or written while the
// room's guard is held.
type room struct {
	members map[string]*Connection
}

// Member describes one admitted connection.
type Member struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry owns rooms, their connections and the counters describing them.
// Build one with New and share it by pointer.
type Registry struct {
	log    zerolog.Logger
	now    func() time.Time
	jitter func() float64
	newID  func() string

	cfgMu     sync.RWMutex
	cfg       Config
	admission *rate.Limiter

	// global guards active and the creation of entries in locks.
	global *guard
	active int
	locks  sync.Map // room id -> *guard

	rooms sync.Map // room id -> *room

	privacyMu sync.RWMutex
	private   map[string]struct{}

	metrics *metrics

	cronMu    sync.Mutex
	cron      *cron.Cron
	cronID    cron.EntryID
	cronCtx   context.Context
	cronEvery time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its connections.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock replaces time.Now, mainly for idle-eviction tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(fn func() float64) Option {
	return func(r *Registry) { r.jitter = fn }
}

// WithIDGenerator replaces the connection id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New builds a Registry. All guards are created here, once.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		log:     zerolog.Nop(),
		now:     time.Now,
		jitter:  defaultJitter,
		newID:   uuid.NewString,
		global:  newGuard(),
		private: make(map[string]struct{}),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "registry").Logger()
	r.setConfig(cfg)
	return r
}

func (r *Registry) setConfig(cfg Config) {
	cfg = cfg.Sanitize()
	var lim *rate.Limiter
	if cfg.AdmissionRate > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.AdmissionRate), cfg.AdmissionBurst)
	}

	r.cfgMu.Lock()
	r.cfg = cfg
	r.admission = lim
	r.cfgMu.Unlock()
}

// Config returns the active configuration.
func (r *Registry) Config() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Apply replaces the configuration at runtime. Already admitted connections
// are kept even if the new limits are lower.
func (r *Registry) Apply(cfg Config) {
	r.setConfig(cfg)
	applied := r.Config()
	r.rescheduleCleanup(applied.CleanupInterval)
	r.log.Info().
		Int("max_total", applied.MaxTotal).
		Int("max_per_room", applied.MaxPerRoom).
		Dur("idle_timeout", applied.IdleTimeout).
		Msg("registry config applied")
}

func (r *Registry) admissionLimiter() *rate.Limiter {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.admission
}

// Enqueue admits ch into roomID and returns the new connection id. Any error
// matches ErrAdmissionRejected or ErrLockTimeout; on error the caller still
// owns ch and is expected to close it.
func (r *Registry) Enqueue(ctx context.Context, ch Channel, roomID, userID string) (string, error) {
	cfg := r.Config()
	log := r.log.With().Str("room", roomID).Str("user", userID).Logger()

	if ch == nil || roomID == "" {
		r.metrics.rejected()
		log.Warn().Msg("admission rejected: missing channel or room")
		return "", fmt.Errorf("%w: missing channel or room", ErrAdmissionRejected)
	}

	if lim := r.admissionLimiter(); lim != nil && !lim.Allow() {
		r.metrics.rejected()
		log.Warn().Float64("rate", cfg.AdmissionRate).Msg("admission rejected: rate exceeded")
		return "", ErrRateLimited
	}

	lock, err := r.reserveSlot(ctx, cfg, roomID, log)
	if err != nil {
		r.metrics.rejected()
		return "", err
	}

	id, err := r.admit(ctx, cfg, lock, ch, roomID, userID, log)
	if err != nil {
		r.releaseSlot()
		r.metrics.rejected()
		return "", err
	}
	return id, nil
}

// reserveSlot checks the global limit and takes one slot, and looks up or
// creates the room guard in the same short critical section.
func (r *Registry) reserveSlot(ctx context.Context, cfg Config, roomID string, log zerolog.Logger) (*guard, error) {
	if err := acquire(ctx, r.global, cfg.LockTimeout); err != nil {
		r.metrics.timeout(TimeoutLockAcquisition)
		log.Warn().Err(err).Str("category", string(TimeoutLockAcquisition)).Msg("admission lock wait expired")
		return nil, err
	}
	defer r.global.Release(1)

	if r.active >= cfg.MaxTotal {
		log.Warn().Int("active", r.active).Int("max_total", cfg.MaxTotal).Msg("admission rejected: server at capacity")
		return nil, ErrCapacity
	}
	r.active++
	return r.roomLockLocked(roomID), nil
}

func (r *Registry) releaseSlot() {
	acquireRelease(r.global)
	if r.active > 0 {
		r.active--
	}
	r.global.Release(1)
}

func (r *Registry) admit(ctx context.Context, cfg Config, lock *guard, ch Channel, roomID, userID string, log zerolog.Logger) (string, error) {
	if err := acquire(ctx, lock, cfg.LockTimeout); err != nil {
		r.metrics.timeout(TimeoutLockAcquisition)
		log.Warn().Err(err).Str("category", string(TimeoutLockAcquisition)).Msg("room lock wait expired")
		return "", err
	}
	defer lock.Release(1)

	rm := r.loadRoom(roomID)
	if rm != nil && len(rm.members) >= cfg.MaxPerRoom {
		log.Warn().Int("size", len(rm.members)).Int("max_per_room", cfg.MaxPerRoom).Msg("admission rejected: room is full")
		return "", ErrRoomFull
	}

	id := r.newID()
	conn := NewConnection(ch, roomID, userID, ConnOptions{
		ID:         id,
		Logger:     log.With().Str("conn", id).Logger(),
		BackoffCap: cfg.BackoffCap,
		Jitter:     r.jitter,
		Now:        r.now,
	})

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if !r.handshake(hctx, conn) {
		ev := log.Warn().Str("conn", id)
		// A cancelled caller is not a handshake failure.
		if ctx.Err() == nil {
			r.metrics.timeout(TimeoutHandshake)
			ev = ev.Str("category", string(TimeoutHandshake))
		}
		ev.Bool("expired", errors.Is(hctx.Err(), context.DeadlineExceeded)).Msg("admission rejected: handshake failed")
		return "", ErrHandshake
	}

	if rm == nil {
		rm = &room{members: make(map[string]*Connection)}
		r.rooms.Store(roomID, rm)
	}
	rm.members[id] = conn
	r.metrics.admitted()

	log.Info().Str("conn", id).Int("room_size", len(rm.members)).Msg("connection admitted")
	return id, nil
}

// handshake runs Initialize but stops waiting when ctx expires, so a stuck
// Accept cannot hold the room guard past HandshakeTimeout.
func (r *Registry) handshake(ctx context.Context, conn *Connection) bool {
	done := make(chan bool, 1)
	go func() { done <- conn.Initialize(ctx) }()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		// The connection was never stored; make sure it ends Disconnected
		// once Initialize returns. The caller closes the transport.
		go func() {
			<-done
			conn.markDisconnected()
		}()
		return false
	}
}

// Disconnect closes and removes one connection. If the room becomes empty it
// is dropped and its privacy flag cleared. Unknown ids are a no-op, so the
// call is idempotent. The only error is ErrLockTimeout.
func (r *Registry) Disconnect(ctx context.Context, roomID, connID, reason string) error {
	_, err := r.disconnect(ctx, roomID, connID, CloseNormalClosure, reason)
	if err != nil {
		r.metrics.timeout(TimeoutLockAcquisition)
		r.log.Warn().Err(err).
			Str("room", roomID).
			Str("conn", connID).
			Str("category", string(TimeoutLockAcquisition)).
			Msg("disconnect lock wait expired")
	}
	return err
}

func (r *Registry) disconnect(ctx context.Context, roomID, connID string, code int, reason string) (bool, error) {
	lock, ok := r.existingRoomLock(roomID)
	if !ok {
		return false, nil
	}
	if err := acquire(ctx, lock, r.Config().LockTimeout); err != nil {
		return false, err
	}

	conn, emptied := r.removeLocked(roomID, connID, code, reason)
	lock.Release(1)
	if conn == nil {
		return false, nil
	}

	r.releaseSlot()
	r.metrics.disconnected()
	r.log.Info().
		Str("room", roomID).
		Str("conn", connID).
		Str("user", conn.UserID()).
		Str("reason", reason).
		Bool("room_closed", emptied).
		Msg("connection removed")
	return true, nil
}

// removeLocked closes and deletes connID. The caller holds the room guard.
func (r *Registry) removeLocked(roomID, connID string, code int, reason string) (*Connection, bool) {
	rm := r.loadRoom(roomID)
	if rm == nil {
		return nil, false
	}
	conn, ok := rm.members[connID]
	if !ok {
		return nil, false
	}

	conn.Close(code, reason)
	delete(rm.members, connID)

	if len(rm.members) > 0 {
		return conn, false
	}
	r.rooms.Delete(roomID)
	r.SetPrivacy(roomID, false)
	return conn, true
}

// Touch refreshes the idle clock of a connection after inbound traffic.
func (r *Registry) Touch(ctx context.Context, roomID, connID string) bool {
	lock, ok := r.existingRoomLock(roomID)
	if !ok {
		return false
	}
	if err := acquire(ctx, lock, r.Config().LockTimeout); err != nil {
		r.metrics.timeout(TimeoutLockAcquisition)
		return false
	}
	defer lock.Release(1)

	rm := r.loadRoom(roomID)
	if rm == nil {
		return false
	}
	conn, ok := rm.members[connID]
	if !ok {
		return false
	}
	conn.Touch()
	return true
}

// SetPrivacy flags or unflags roomID as private. Privacy does not change
// delivery; it is read by collaborators such as persistence.
func (r *Registry) SetPrivacy(roomID string, private bool) {
	r.privacyMu.Lock()
	defer r.privacyMu.Unlock()
	if private {
		r.private[roomID] = struct{}{}
		return
	}
	delete(r.private, roomID)
}

// IsPrivate reports whether roomID is flagged private.
func (r *Registry) IsPrivate(roomID string) bool {
	r.privacyMu.RLock()
	defer r.privacyMu.RUnlock()
	_, ok := r.private[roomID]
	return ok
}

// ActiveConnections returns the global admission counter.
func (r *Registry) ActiveConnections() int {
	acquireRelease(r.global)
	defer r.global.Release(1)
	return r.active
}

// ActiveRooms returns the number of non-empty rooms.
func (r *Registry) ActiveRooms() int {
	n := 0
	r.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Rooms returns the ids of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	var ids []string
	r.rooms.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// RoomSize returns the member count of roomID.
func (r *Registry) RoomSize(ctx context.Context, roomID string) (int, error) {
	conns, err := r.snapshot(ctx, roomID)
	return len(conns), err
}

// Members returns a description of every connection in roomID.
func (r *Registry) Members(ctx context.Context, roomID string) ([]Member, error) {
	conns, err := r.snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(conns))
	for _, c := range conns {
		out = append(out, Member{
			ID:           c.ID(),
			UserID:       c.UserID(),
			State:        c.State().String(),
			ConnectedAt:  c.ConnectedAt(),
			LastActivity: c.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// snapshot copies the members of roomID under its guard.
func (r *Registry) snapshot(ctx context.Context, roomID string) ([]*Connection, error) {
	lock, ok := r.existingRoomLock(roomID)
	if !ok {
		return nil, nil
	}
	if err := acquire(ctx, lock, r.Config().LockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release(1)

	rm := r.loadRoom(roomID)
	if rm == nil {
		return nil, nil
	}
	conns := make([]*Connection, 0, len(rm.members))
	for _, c := range rm.members {
		conns = append(conns, c)
	}
	return conns, nil
}

func (r *Registry) loadRoom(roomID string) *room {
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}
	return v.(*room)
}

// Shutdown stops the cleanup scheduler and disconnects every connection
// with a going-away close. It returns how many connections were removed.
func (r *Registry) Shutdown(ctx context.Context) int {
	r.StopCleanup(ctx)

	removed := 0
	for _, roomID := range r.Rooms() {
		conns, err := r.snapshot(ctx, roomID)
		if err != nil {
			r.log.Warn().Err(err).Str("room", roomID).Msg("shutdown skipped room")
			continue
		}
		for _, c := range conns {
			ok, err := r.disconnect(ctx, roomID, c.ID(), CloseGoingAway, "server shutting down")
			if err != nil {
				r.log.Warn().Err(err).Str("room", roomID).Str("conn", c.ID()).Msg("shutdown disconnect failed")
				continue
			}
			if ok {
				removed++
			}
		}
	}
	r.log.Info().Int("removed", removed).Msg("registry shut down")
	return removed
}
