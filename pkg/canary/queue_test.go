package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAndBatching(t *testing.T) {
	q := NewQueue(10, nil)
	for _, path := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(&Diff{UNSPath: path}))
	}
	require.Equal(t, 3, q.Len())

	batch := q.AcquireBatch(2, false)
	require.Len(t, batch, 2)
	require.Equal(t, "a", batch[0].UNSPath)
	require.Equal(t, "b", batch[1].UNSPath)

	batch = q.AcquireBatch(2, false)
	require.Len(t, batch, 1)
	require.Equal(t, "c", batch[0].UNSPath)
	require.Nil(t, q.AcquireBatch(2, false))
}

func TestQueueFullRejectsAndNotifiesBackpressure(t *testing.T) {
	var rejected []*Diff
	q := NewQueue(1, func(diff *Diff) { rejected = append(rejected, diff) })

	require.NoError(t, q.Enqueue(&Diff{UNSPath: "first"}))
	err := q.Enqueue(&Diff{UNSPath: "second"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Len(t, rejected, 1)
	require.Equal(t, "second", rejected[0].UNSPath)
	require.Equal(t, 1, q.Len())
}

func TestQueueCloseWakesBlockedAcquire(t *testing.T) {
	q := NewQueue(10, nil)

	done := make(chan []*Diff, 1)
	go func() {
		done <- q.AcquireBatch(5, true)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case batch := <-done:
		require.Nil(t, batch)
	case <-time.After(time.Second):
		t.Fatal("AcquireBatch did not return after Close")
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := NewQueue(10, nil)
	require.NoError(t, q.Enqueue(&Diff{UNSPath: "pending"}))
	q.Close()

	batch := q.AcquireBatch(5, true)
	require.Len(t, batch, 1)
	require.Nil(t, q.AcquireBatch(5, true))
}
