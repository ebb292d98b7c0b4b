package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClosedAllowsCalls(t *testing.T) {
	b := New(DefaultConfig())
	now := time.Unix(0, 0)
	require.True(t, b.Allow(now))
	require.Equal(t, Closed, b.State(now))
}

func TestOpensOnErrorRate(t *testing.T) {
	cfg := Config{Window: time.Minute, ErrorRateThreshold: 0.3, MinSamples: 10, CoolDown: time.Minute}
	b := New(cfg)
	now := time.Unix(0, 0)

	for i := 0; i < 7; i++ {
		b.Record(now, nil)
	}
	for i := 0; i < 3; i++ {
		b.Record(now, errors.New("boom"))
	}
	require.Equal(t, Open, b.State(now))
	require.False(t, b.Allow(now))
}

func TestBelowMinSamplesStaysClosed(t *testing.T) {
	cfg := Config{Window: time.Minute, ErrorRateThreshold: 0.1, MinSamples: 10, CoolDown: time.Minute}
	b := New(cfg)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.Record(now, errors.New("boom"))
	}
	require.Equal(t, Closed, b.State(now))
}

func TestHalfOpenAfterCoolDownThenCloseOnSuccess(t *testing.T) {
	cfg := Config{Window: time.Minute, ErrorRateThreshold: 0.3, MinSamples: 2, CoolDown: time.Minute}
	b := New(cfg)
	now := time.Unix(0, 0)
	b.Record(now, errors.New("x"))
	b.Record(now, errors.New("x"))
	require.Equal(t, Open, b.State(now))

	later := now.Add(2 * time.Minute)
	require.Equal(t, HalfOpen, b.State(later))
	require.True(t, b.Allow(later))
	// A second concurrent caller is rejected until the trial resolves.
	require.False(t, b.Allow(later))

	b.Record(later, nil)
	require.Equal(t, Closed, b.State(later))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := Config{Window: time.Minute, ErrorRateThreshold: 0.3, MinSamples: 2, CoolDown: time.Minute}
	b := New(cfg)
	now := time.Unix(0, 0)
	b.Record(now, errors.New("x"))
	b.Record(now, errors.New("x"))

	later := now.Add(2 * time.Minute)
	b.State(later)
	b.Record(later, errors.New("still broken"))
	require.Equal(t, Open, b.State(later))
}

func TestDoSkipsCallWhenOpen(t *testing.T) {
	cfg := Config{Window: time.Minute, ErrorRateThreshold: 0.3, MinSamples: 1, CoolDown: time.Hour}
	b := New(cfg)
	now := time.Unix(0, 0)
	b.Record(now, errors.New("x"))
	require.Equal(t, Open, b.State(now))

	called := false
	err := b.Do(context.Background(), now, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called)
}
