// Package debounce coalesces per-metric change diffs inside a quiet window
// so bursts of row updates emit a single downstream payload.
package debounce

import (
	"fmt"
	"sort"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Update carries one merge into a buffered entry. A zero Timestamp means
// "now" per the buffer clock. Version is nil when the change carries none.
type Update struct {
	Diff      map[string]interface{}
	Version   *int64
	Actor     string
	EventID   string
	Timestamp time.Time
	Extras    map[string]interface{}
}

// Flushed is one emitted entry.
type Flushed struct {
	Metric     string
	Diff       map[string]interface{}
	Version    *int64
	Actor      string
	FirstSeen  time.Time
	LastUpdate time.Time
	EventIDs   []string
	Extras     map[string]interface{}
}

type entry struct {
	metricKey  string
	firstSeen  time.Time
	lastUpdate time.Time
	payload    map[string]interface{}
	version    *int64
	actor      string
	eventIDs   map[string]struct{}
	extras     map[string]interface{}
}

func (e *entry) merge(u Update, now time.Time) {
	for key, value := range u.Diff {
		e.payload[key] = value
	}
	if u.Version != nil {
		if e.version == nil || *u.Version >= *e.version {
			v := *u.Version
			e.version = &v
		}
	}
	if u.Actor != "" {
		e.actor = u.Actor
	}
	if u.EventID != "" {
		e.eventIDs[u.EventID] = struct{}{}
	}
	if now.After(e.lastUpdate) {
		e.lastUpdate = now
	}
	for key, value := range u.Extras {
		e.extras[key] = value
	}
}

// Buffer aggregates diffs per metric key within a time window. It is owned
// by a single worker and is not safe for concurrent use.
type Buffer struct {
	window     time.Duration
	maxEntries int
	clock      func() time.Time
	logger     kitlog.Logger

	entries  map[string]*entry
	sequence []string
}

// NewBuffer returns a Buffer flushing entries quiet for window, holding at
// most maxEntries at once.
func NewBuffer(window time.Duration, maxEntries int, logger kitlog.Logger) (*Buffer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("debounce: window must be positive, got %s", window)
	}
	if maxEntries <= 0 {
		return nil, fmt.Errorf("debounce: max entries must be positive, got %d", maxEntries)
	}
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Buffer{
		window:     window,
		maxEntries: maxEntries,
		clock:      time.Now,
		logger:     logger,
		entries:    make(map[string]*entry),
	}, nil
}

// Add creates or merges the entry for metricKey.
func (b *Buffer) Add(metricKey string, u Update) {
	now := u.Timestamp
	if now.IsZero() {
		now = b.clock()
	}

	e, ok := b.entries[metricKey]
	if !ok {
		e = &entry{
			metricKey:  metricKey,
			firstSeen:  now,
			lastUpdate: now,
			payload:    make(map[string]interface{}),
			eventIDs:   make(map[string]struct{}),
			extras:     make(map[string]interface{}),
		}
		b.entries[metricKey] = e
		b.sequence = append(b.sequence, metricKey)
	}
	e.merge(u, now)
	b.enforceCap()
	metricBufferDepth.Set(float64(len(b.entries)))
}

// FlushDue emits entries whose last update is at least one window old, in
// the order the keys first entered the buffer. A zero now uses the clock.
func (b *Buffer) FlushDue(now time.Time) []Flushed {
	if now.IsZero() {
		now = b.clock()
	}

	var out []Flushed
	remaining := b.sequence[:0]
	for _, key := range b.sequence {
		e := b.entries[key]
		if now.Sub(e.lastUpdate) < b.window {
			remaining = append(remaining, key)
			continue
		}
		delete(b.entries, key)

		eventIDs := make([]string, 0, len(e.eventIDs))
		for id := range e.eventIDs {
			eventIDs = append(eventIDs, id)
		}
		sort.Strings(eventIDs)

		out = append(out, Flushed{
			Metric:     e.metricKey,
			Diff:       e.payload,
			Version:    e.version,
			Actor:      e.actor,
			FirstSeen:  e.firstSeen,
			LastUpdate: e.lastUpdate,
			EventIDs:   eventIDs,
			Extras:     e.extras,
		})
	}
	b.sequence = remaining

	if len(out) > 0 {
		metricBufferDepth.Set(float64(len(b.entries)))
		metricEmitted.Add(float64(len(out)))
	}
	return out
}

// PendingKeys lists buffered keys in insertion order.
func (b *Buffer) PendingKeys() []string {
	out := make([]string, len(b.sequence))
	copy(out, b.sequence)
	return out
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int { return len(b.entries) }

func (b *Buffer) enforceCap() {
	for len(b.entries) > b.maxEntries {
		victim := ""
		for key, e := range b.entries {
			if victim == "" || e.lastUpdate.Before(b.entries[victim].lastUpdate) {
				victim = key
			}
		}
		dropped := b.entries[victim]
		delete(b.entries, victim)
		for i, key := range b.sequence {
			if key == victim {
				b.sequence = append(b.sequence[:i], b.sequence[i+1:]...)
				break
			}
		}
		metricDropped.Inc()
		level.Warn(b.logger).Log(
			"msg", "debounce buffer full, dropping metric",
			"metric", victim,
			"pending_keys", len(dropped.payload),
		)
	}
}
