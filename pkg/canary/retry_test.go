package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDoublesAndCaps(t *testing.T) {
	p, err := NewRetryPolicy(6, 200*time.Millisecond, 6400*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 7, p.MaxAttempts())

	// draw the full cap so the schedule is visible
	p.randFn = func() float64 { return 1 }

	require.Equal(t, time.Duration(0), p.NextDelay(1))
	require.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	require.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	require.Equal(t, 800*time.Millisecond, p.NextDelay(4))
	require.Equal(t, 1600*time.Millisecond, p.NextDelay(5))
	require.Equal(t, 3200*time.Millisecond, p.NextDelay(6))
	require.Equal(t, 6400*time.Millisecond, p.NextDelay(7))

	// past the schedule the last cap holds
	require.Equal(t, 6400*time.Millisecond, p.NextDelay(12))
}

func TestRetryPolicyUniformJitter(t *testing.T) {
	p, err := NewRetryPolicy(3, time.Second, 8*time.Second)
	require.NoError(t, err)
	p.randFn = func() float64 { return 0.5 }

	require.Equal(t, 500*time.Millisecond, p.NextDelay(2))
	require.Equal(t, time.Second, p.NextDelay(3))
}

func TestRetryPolicyZeroRetries(t *testing.T) {
	p, err := NewRetryPolicy(0, time.Second, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, p.MaxAttempts())
	require.Equal(t, time.Duration(0), p.NextDelay(2))
}

func TestRetryPolicyValidation(t *testing.T) {
	_, err := NewRetryPolicy(-1, time.Second, time.Second)
	require.Error(t, err)

	_, err = NewRetryPolicy(3, 0, time.Second)
	require.Error(t, err)

	_, err = NewRetryPolicy(3, time.Second, 0)
	require.Error(t, err)
}
