package registry

import (
	"testing"
	"time"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second, fixedJitter)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("delay %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestBackoffNeverDecreasesAndNeverExceedsCap(t *testing.T) {
	limit := 60 * time.Second
	for run := 0; run < 50; run++ {
		b := newBackoff(100*time.Millisecond, limit, defaultJitter)
		prev := time.Duration(0)
		for i := 0; i < 40; i++ {
			d := b.next()
			if d < prev {
				t.Fatalf("run %d step %d: delay decreased from %v to %v", run, i, prev, d)
			}
			if d > limit {
				t.Fatalf("run %d step %d: delay %v exceeds cap %v", run, i, d, limit)
			}
			prev = d
		}
	}
}

func TestBackoffInitialAboveCapIsClamped(t *testing.T) {
	b := newBackoff(5*time.Second, time.Second, fixedJitter)
	if got := b.next(); got != time.Second {
		t.Fatalf("expected clamped delay of 1s, got %v", got)
	}
}

func TestDefaultJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := defaultJitter()
		if j < 0.8 || j >= 1.2 {
			t.Fatalf("jitter %v outside [0.8, 1.2)", j)
		}
	}
}
