package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

var errBackend = errors.New("backend unavailable")

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("db", testConfig(), zaptest.NewLogger(t))
	assert.Equal(t, StateClosed, b.State())

	failN(t, b, 3)
	assert.Equal(t, StateOpen, b.State())

	// Open state sheds load without invoking fn.
	called := false
	err := b.Execute(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("db", testConfig(), zaptest.NewLogger(t))
	failN(t, b, 2)
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	failN(t, b, 2)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := New("db", testConfig(), zaptest.NewLogger(t))
	failN(t, b, 3)
	require.Equal(t, StateOpen, b.State())

	// After the open timeout the breaker probes again.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("db", testConfig(), zaptest.NewLogger(t))
	failN(t, b, 3)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	failN(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := New("db", testConfig(), zaptest.NewLogger(t))
	failN(t, b, 3)
	time.Sleep(30 * time.Millisecond)

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- b.Execute(context.Background(), func() error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both probe slots are taken; the next request is rejected.
	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(block)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New("db", cfg, zaptest.NewLogger(t))
	failN(t, b, 3)
	assert.Equal(t, []string{"closed->open"}, transitions)
}
