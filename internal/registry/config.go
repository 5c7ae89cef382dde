package registry

import "time"

// Config holds the tunable limits and time bounds of a Registry.
type Config struct {
	MaxTotal   int
	MaxPerRoom int

	HandshakeTimeout time.Duration
	LockTimeout      time.Duration
	IdleTimeout      time.Duration
	MessageTimeout   time.Duration
	CleanupInterval  time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	BackoffCap     time.Duration

	// BroadcastWorkers bounds how many sends of one broadcast run at once.
	BroadcastWorkers int

	// AdmissionRate is the sustained number of admissions per second.
	// Zero disables admission rate limiting.
	AdmissionRate  float64
	AdmissionBurst int
}

// DefaultConfig returns the limits used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		MaxTotal:         1000,
		MaxPerRoom:       100,
		HandshakeTimeout: 10 * time.Second,
		LockTimeout:      5 * time.Second,
		IdleTimeout:      5 * time.Minute,
		MessageTimeout:   5 * time.Second,
		CleanupInterval:  10 * time.Second,
		MaxRetries:       3,
		InitialBackoff:   100 * time.Millisecond,
		BackoffCap:       60 * time.Second,
		BroadcastWorkers: 32,
	}
}

// Sanitize replaces every non-positive field with its default.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if c.MaxTotal <= 0 {
		c.MaxTotal = def.MaxTotal
	}
	if c.MaxPerRoom <= 0 {
		c.MaxPerRoom = def.MaxPerRoom
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = def.MessageTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.InitialBackoff > c.BackoffCap {
		c.InitialBackoff = c.BackoffCap
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = def.BroadcastWorkers
	}
	if c.AdmissionRate < 0 {
		c.AdmissionRate = 0
	}
	if c.AdmissionRate > 0 && c.AdmissionBurst <= 0 {
		c.AdmissionBurst = int(c.AdmissionRate)
		if c.AdmissionBurst < 1 {
			c.AdmissionBurst = 1
		}
	}
	return c
}
