package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTransient = errors.New("transient send failure")

// fakeChannel records frames and replays scripted send errors.
type fakeChannel struct {
	mu         sync.Mutex
	sent       [][]byte
	sendErrs   []error // consumed one per Send; nil entries succeed
	failAlways error
	sendCalls  int
	closeCalls int
	closeCode  int
	reason     string

	acceptErr   error
	acceptBlock chan struct{}
	acceptCalls int
}

func newFakeChannel() *fakeChannel { return &fakeChannel{} }

func (f *fakeChannel) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	} else if f.failAlways != nil {
		return f.failAlways
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeChannel) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closeCode = code
	f.reason = reason
	return nil
}

func (f *fakeChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeChannel) calls() (send, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.closeCalls
}

func (f *fakeChannel) closedWith() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.reason
}

// acceptingChannel adds an Accept step to fakeChannel.
type acceptingChannel struct {
	*fakeChannel
}

func (a acceptingChannel) Accept(ctx context.Context) error {
	a.mu.Lock()
	a.acceptCalls++
	block := a.acceptBlock
	err := a.acceptErr
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fixedJitter() float64 { return 1 }

// testConfig keeps every bound short so failing paths finish quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.MessageTimeout = time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	return cfg
}

func newTestRegistry(cfg Config, opts ...Option) *Registry {
	return New(cfg, append([]Option{WithJitter(fixedJitter)}, opts...)...)
}
