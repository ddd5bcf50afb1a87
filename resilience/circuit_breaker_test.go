package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_ClosedAllowsExecution(t *testing.T) {
	cb, err := New(DefaultConfig("test"))
	require.NoError(t, err)

	ran := false
	execErr := cb.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, execErr)
	assert.True(t, ran)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig("flaky")
	cfg.ErrorThreshold = 0.5
	cfg.VolumeThreshold = 2
	cb, err := New(cfg)
	require.NoError(t, err)

	boom := errors.New("expert down")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}

	assert.Equal(t, StateOpen, cb.State())

	execErr := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	})
	assert.ErrorIs(t, execErr, ErrOpen)
}

func TestCircuitBreaker_CancelledErrorsDoNotCount(t *testing.T) {
	cfg := DefaultConfig("cancel-safe")
	cfg.ErrorThreshold = 0.1
	cfg.VolumeThreshold = 1
	cb, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}

	assert.Equal(t, StateClosed, cb.State(), "cancelled calls must never open the breaker")
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cfg := DefaultConfig("recovering")
	cfg.ErrorThreshold = 0.5
	cfg.VolumeThreshold = 1
	cfg.SleepWindow = 10 * time.Millisecond
	cfg.HalfOpenRequests = 1
	cfg.SuccessThreshold = 1.0
	cb, err := New(cfg)
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	execErr := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, execErr)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cfg := DefaultConfig("resettable")
	cfg.ErrorThreshold = 0.1
	cfg.VolumeThreshold = 1
	cb, err := New(cfg)
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestRetry_SucceedsWithinAttempts(t *testing.T) {
	attempts := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	err := Retry(context.Background(), cfg, func() error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}
