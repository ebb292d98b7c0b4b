// Package breaker implements the circuit breaker spec.md §5 parameterizes:
// open on >=30% error rate over a 10-minute window, half-open after 20
// minutes, closed after one successful trial. No circuit-breaker library
// appears anywhere in the retrieval pack (checked: no sony/gobreaker, no
// hand-rolled equivalent beyond ad hoc retry loops in the teacher's
// uploader/uploader.go, which retries rather than breaks), so this is a
// deliberate standard-library implementation, wrapping any
// func(context.Context) error the way internal/config is the deliberate
// standard-library choice for configuration.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's current position in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Do without invoking the wrapped function when the
// breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// Config holds the thresholds spec.md §5 specifies.
type Config struct {
	// Window is the trailing duration error rate is computed over.
	Window time.Duration
	// ErrorRateThreshold opens the breaker once the trailing window's error
	// rate reaches this fraction (e.g. 0.3 for 30%).
	ErrorRateThreshold float64
	// MinSamples is the minimum number of attempts in Window before the
	// error rate is evaluated at all, avoiding flapping open on a handful
	// of early failures.
	MinSamples int
	// CoolDown is how long the breaker stays open before allowing one
	// half-open trial.
	CoolDown time.Duration
}

// DefaultConfig matches spec.md §5: 30% error rate over a 10 minute
// window, half-open after 20 minutes, closed after one success.
func DefaultConfig() Config {
	return Config{
		Window:             10 * time.Minute,
		ErrorRateThreshold: 0.30,
		MinSamples:         10,
		CoolDown:           20 * time.Minute,
	}
}

type sample struct {
	at  time.Time
	err bool
}

// Breaker wraps calls to a single resource (an AO CU, a trusted gateway
// URL, a peer, a chunk-POST destination — spec.md §5's "Applied to" list),
// tracking a trailing error-rate window and gating calls accordingly.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	samples     []sample
	openedAt    time.Time
	halfOpenTry bool
}

// New builds a closed Breaker with cfg's thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// State reports the breaker's current state as of now, transitioning
// Open->HalfOpen if the cool-down has elapsed.
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)
	return b.state
}

func (b *Breaker) maybeHalfOpen(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.CoolDown {
		b.state = HalfOpen
		b.halfOpenTry = false
	}
}

// Allow reports whether a call should be attempted now, per the breaker's
// current state. A HalfOpen breaker allows exactly one concurrent trial;
// subsequent callers are rejected until that trial records its outcome.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(now)
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.halfOpenTry {
			return false
		}
		b.halfOpenTry = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call back to the breaker.
func (b *Breaker) Record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		if err == nil {
			b.state = Closed
			b.samples = nil
		} else {
			b.state = Open
			b.openedAt = now
		}
		b.halfOpenTry = false
		return
	}

	b.samples = append(b.samples, sample{at: now, err: err != nil})
	b.samples = trim(b.samples, now, b.cfg.Window)

	if len(b.samples) < b.cfg.MinSamples {
		return
	}
	failed := 0
	for _, s := range b.samples {
		if s.err {
			failed++
		}
	}
	rate := float64(failed) / float64(len(b.samples))
	if b.state == Closed && rate >= b.cfg.ErrorRateThreshold {
		b.state = Open
		b.openedAt = now
	}
}

func trim(samples []sample, now time.Time, window time.Duration) []sample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append([]sample(nil), samples[i:]...)
}

// Do runs fn if the breaker allows it, recording the outcome; returns
// ErrOpen without calling fn otherwise.
func (b *Breaker) Do(ctx context.Context, now time.Time, fn func(context.Context) error) error {
	if !b.Allow(now) {
		return ErrOpen
	}
	err := fn(ctx)
	b.Record(now, err)
	return err
}
