package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, threshold int, reset time.Duration) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker, err error) error {
	return b.Execute(context.Background(), func(context.Context) error { return err })
}

func TestBreakerOpensOnConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 3, 30*time.Second)
	transient := NewTransientError(eris.New("503"), 503)

	require.Error(t, fail(b, transient))
	require.Error(t, fail(b, transient))
	assert.Equal(t, CircuitClosed, b.State())

	require.Error(t, fail(b, transient))
	assert.Equal(t, CircuitOpen, b.State())

	// Open circuit rejects without calling through.
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerIgnoresNonTransientFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 2, 30*time.Second)
	auth := NewAuthExpiredError(eris.New("session expired"))

	// Auth failures say nothing about source health.
	for i := 0; i < 5; i++ {
		require.Error(t, fail(b, auth))
	}
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 2, 30*time.Second)
	transient := NewTransientError(eris.New("x"), 0)

	require.Error(t, fail(b, transient))
	require.NoError(t, fail(b, nil))
	require.Error(t, fail(b, transient))
	assert.Equal(t, CircuitClosed, b.State(), "count restarted after success")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(t, 1, 30*time.Second)
	transient := NewTransientError(eris.New("x"), 0)

	require.Error(t, fail(b, transient))
	assert.Equal(t, CircuitOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State())

	// Failed probe reopens.
	require.Error(t, fail(b, transient))
	assert.Equal(t, CircuitOpen, b.State())

	// Successful probe closes.
	*now = now.Add(31 * time.Second)
	require.NoError(t, fail(b, nil))
	assert.Equal(t, CircuitClosed, b.State())
}

func TestSourceBreakersAreIndependent(t *testing.T) {
	t.Parallel()

	sb := NewSourceBreakers(BreakerConfig{FailureThreshold: 1})
	transient := NewTransientError(eris.New("x"), 0)

	require.Error(t, fail(sb.Get("telemetry"), transient))

	states := sb.States()
	assert.Equal(t, CircuitOpen, states["telemetry"])

	// A tripped telemetry circuit must not affect the scrape source.
	require.NoError(t, fail(sb.Get("scrape"), nil))
	assert.Equal(t, CircuitClosed, sb.States()["scrape"])

	assert.Same(t, sb.Get("scrape"), sb.Get("scrape"))
}
