package canary

import "sync"

// Queue is the bounded FIFO between enqueuers and the dispatch worker. Many
// goroutines enqueue, one drains. Enqueue never blocks, a full queue rejects
// the diff so producers can apply backpressure upstream.
type Queue struct {
	mtx      sync.Mutex
	cond     *sync.Cond
	items    []*Diff
	capacity int
	closed   bool

	// called with the rejected diff while the queue lock is held
	backpressure func(*Diff)
}

func NewQueue(capacity int, backpressure func(*Diff)) *Queue {
	q := &Queue{
		capacity:     capacity,
		backpressure: backpressure,
	}
	q.cond = sync.NewCond(&q.mtx)
	return q
}

func (q *Queue) Enqueue(diff *Diff) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if len(q.items) >= q.capacity {
		metricQueueDropped.Inc()
		if q.backpressure != nil {
			q.backpressure(diff)
		}
		return ErrQueueFull
	}
	q.items = append(q.items, diff)
	metricQueueDepth.Set(float64(len(q.items)))
	q.cond.Signal()
	return nil
}

// AcquireBatch pops up to max diffs. With block set it waits until items
// arrive or the queue is closed; otherwise an empty queue returns nil
// immediately. A closed, drained queue always returns nil.
func (q *Queue) AcquireBatch(max int, block bool) []*Diff {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for len(q.items) == 0 {
		if q.closed || !block {
			return nil
		}
		q.cond.Wait()
	}

	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*Diff, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	metricQueueDepth.Set(float64(len(q.items)))
	return batch
}

// Close wakes the dispatch worker. Queued items remain acquirable so callers
// can drain before shutdown.
func (q *Queue) Close() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}
