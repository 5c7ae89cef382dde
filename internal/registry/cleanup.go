package registry

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweep evicts every connection idle for longer than IdleTimeout and
// returns how many were removed. It works on copies of the room list and of
// each room's members, so concurrent joins and leaves are safe. An expired
// ctx or a room guard wait that runs out ends that part of the sweep and is
// counted as a cleanup timeout.
func (r *Registry) Sweep(ctx context.Context) int {
	cfg := r.Config()
	now := r.now()
	evicted := 0

	for _, roomID := range r.Rooms() {
		if ctx.Err() != nil {
			r.metrics.timeout(TimeoutCleanup)
			r.log.Warn().Err(ctx.Err()).Str("category", string(TimeoutCleanup)).Msg("sweep interrupted")
			break
		}

		conns, err := r.snapshot(ctx, roomID)
		if err != nil {
			r.metrics.timeout(TimeoutCleanup)
			r.log.Warn().Err(err).Str("room", roomID).Str("category", string(TimeoutCleanup)).Msg("sweep skipped room")
			continue
		}

		for _, c := range conns {
			if now.Sub(c.LastActivity()) <= cfg.IdleTimeout {
				continue
			}
			removed, err := r.disconnect(ctx, roomID, c.ID(), CloseNormalClosure, "connection timeout")
			if err != nil {
				r.metrics.timeout(TimeoutCleanup)
				r.log.Warn().Err(err).Str("room", roomID).Str("conn", c.ID()).Str("category", string(TimeoutCleanup)).Msg("sweep eviction failed")
				continue
			}
			if removed {
				evicted++
			}
		}
	}

	if evicted > 0 {
		r.log.Info().Int("evicted", evicted).Msg("idle connections evicted")
	}
	return evicted
}

// StartCleanup schedules Sweep every CleanupInterval until ctx is done or
// StopCleanup is called. A run that overlaps the next tick is skipped, and
// each run is bounded by the interval. Calling it twice is a no-op.
func (r *Registry) StartCleanup(ctx context.Context) {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return
	}

	logger := cronLogger{log: r.log.With().Str("component", "cleanup").Logger()}
	r.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	r.cronCtx = ctx
	r.scheduleLocked(r.Config().CleanupInterval)
	r.cron.Start()

	started := r.cron
	go func() {
		<-ctx.Done()
		r.stopCleanup(context.Background(), started)
	}()
	r.log.Info().Dur("interval", r.cronEvery).Msg("cleanup scheduler started")
}

// StopCleanup stops the scheduler and waits, up to ctx, for a running sweep.
func (r *Registry) StopCleanup(ctx context.Context) {
	r.stopCleanup(ctx, nil)
}

// stopCleanup stops the running scheduler; when only is set it stops it
// only if it is still that scheduler.
func (r *Registry) stopCleanup(ctx context.Context, only *cron.Cron) {
	r.cronMu.Lock()
	c := r.cron
	if c == nil || (only != nil && c != only) {
		r.cronMu.Unlock()
		return
	}
	r.cron = nil
	r.cronMu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info().Msg("cleanup scheduler stopped")
}

func (r *Registry) rescheduleCleanup(every time.Duration) {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron == nil || every == r.cronEvery {
		return
	}
	r.cron.Remove(r.cronID)
	r.scheduleLocked(every)
	r.log.Info().Dur("interval", every).Msg("cleanup rescheduled")
}

func (r *Registry) scheduleLocked(every time.Duration) {
	ctx := r.cronCtx
	r.cronEvery = every
	// cron.Every rounds sub-second intervals up to one second.
	bound := max(every, time.Second)
	r.cronID = r.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		sctx, cancel := context.WithTimeout(ctx, bound)
		defer cancel()
		r.Sweep(sctx)
	}))
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
