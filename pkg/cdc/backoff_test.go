package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b, err := NewBackoff(BackoffConfig{Base: 500 * time.Millisecond, Multiplier: 2, Max: 2 * time.Second})
	require.NoError(t, err)

	expected := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
	}
	for _, want := range expected {
		delay, err := b.NextDelay()
		require.NoError(t, err)
		require.Equal(t, want, delay)
	}
	require.Equal(t, 4, b.Attempts())
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	b, err := NewBackoff(BackoffConfig{Base: time.Second, Multiplier: 2, Max: 30 * time.Second})
	require.NoError(t, err)

	_, _ = b.NextDelay()
	_, _ = b.NextDelay()
	b.Reset()

	delay, err := b.NextDelay()
	require.NoError(t, err)
	require.Equal(t, time.Second, delay)
}

func TestBackoffFullJitter(t *testing.T) {
	b, err := NewBackoff(BackoffConfig{Base: time.Second, Multiplier: 2, Max: 30 * time.Second, Jitter: true})
	require.NoError(t, err)
	b.randFn = func() float64 { return 0.25 }

	delay, err := b.NextDelay()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, delay)

	delay, err = b.NextDelay()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, delay)
}

func TestBackoffExhaustsAttempts(t *testing.T) {
	b, err := NewBackoff(BackoffConfig{Base: time.Second, Multiplier: 2, Max: 30 * time.Second, MaxAttempts: 2})
	require.NoError(t, err)

	_, err = b.NextDelay()
	require.NoError(t, err)
	_, err = b.NextDelay()
	require.NoError(t, err)

	_, err = b.NextDelay()
	require.ErrorIs(t, err, ErrBackoffExhausted)
}

func TestBackoffConfigValidation(t *testing.T) {
	_, err := NewBackoff(BackoffConfig{Base: 0, Multiplier: 2, Max: time.Second})
	require.Error(t, err)

	_, err = NewBackoff(BackoffConfig{Base: time.Second, Multiplier: 0.5, Max: time.Second})
	require.Error(t, err)

	_, err = NewBackoff(BackoffConfig{Base: time.Second, Multiplier: 2, Max: 500 * time.Millisecond})
	require.Error(t, err)
}
