// Package ratelimit implements the dual-window admission control that keeps
// outbound WhatsApp sends inside the provider's published quotas.
//
// The limiter keeps an ordered log of admission timestamps and evaluates two
// trailing windows (1s and 60s) against it on every check. A timestamp log is
// deliberately used instead of a token bucket: quotas are specified as "N per
// second, M per minute" and the log gives exact, auditable counts with no
// boundary-edge bursts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	secondWindow = time.Second
	minuteWindow = time.Minute
)

// Config holds the two ceilings. Both must be positive; the windows are
// independent and whichever constraint binds first wins.
type Config struct {
	PerSecond int
	PerMinute int
}

func (c Config) validate() error {
	if c.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be > 0 (got %d)", c.PerSecond)
	}
	if c.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute must be > 0 (got %d)", c.PerMinute)
	}
	return nil
}

// Snapshot is a point-in-time view of limiter occupancy.
type Snapshot struct {
	Second    int
	Minute    int
	PerSecond int
	PerMinute int
}

// Limiter admits or defers send attempts. Acquire never blocks; callers that
// want to block use Wait. Safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	stamps []time.Time // admissions within the last minute, oldest first

	now func() time.Time
}

func New(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, now: time.Now}, nil
}

// Apply swaps the ceilings at runtime (config hot reload). The recorded
// window is kept: tightening limits takes effect against existing history.
func (l *Limiter) Apply(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Acquire checks both windows. On success it records the admission and
// returns 0: the caller may send immediately. Otherwise it returns how long
// the caller must wait before re-attempting; admission on the first retry is
// not guaranteed under contention.
func (l *Limiter) Acquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	c60 := len(l.stamps)
	secIdx := l.secondIndexLocked(now)
	c1 := c60 - secIdx

	if c1 < l.cfg.PerSecond && c60 < l.cfg.PerMinute {
		l.stamps = append(l.stamps, now)
		return 0
	}

	// Earliest instant each saturated constraint frees a slot; the caller
	// must out-wait all of them.
	var wait time.Duration
	if c1 >= l.cfg.PerSecond {
		if w := l.stamps[secIdx].Add(secondWindow).Sub(now); w > wait {
			wait = w
		}
	}
	if c60 >= l.cfg.PerMinute {
		if w := l.stamps[0].Add(minuteWindow).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

// Wait blocks until an admission is granted or ctx is done. This is the
// cooperative wait/retry loop from Acquire's contract.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d := l.Acquire()
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Snapshot prunes expired entries and reports current counts against the
// configured ceilings. Read-only with respect to admissions.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	c60 := len(l.stamps)
	c1 := c60 - l.secondIndexLocked(now)
	return Snapshot{
		Second:    c1,
		Minute:    c60,
		PerSecond: l.cfg.PerSecond,
		PerMinute: l.cfg.PerMinute,
	}
}

// pruneLocked drops entries older than the minute window. Entries between 1s
// and 60s old are still needed for the per-minute count. A clock that went
// backward yields negative ages; those are treated as zero so nothing is
// pruned or admitted on apparent negative time.
func (l *Limiter) pruneLocked(now time.Time) {
	i := 0
	for i < len(l.stamps) {
		age := now.Sub(l.stamps[i])
		if age < 0 {
			age = 0
		}
		if age < minuteWindow {
			break
		}
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// secondIndexLocked returns the index of the oldest entry still inside the
// 1-second window (== len(stamps) when the window is empty).
func (l *Limiter) secondIndexLocked(now time.Time) int {
	for i, ts := range l.stamps {
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		if age < secondWindow {
			return i
		}
	}
	return len(l.stamps)
}
