// Package diff aggregates change events per UNS path, deduplicating by event
// id and merging change maps under version-ordered last-write-wins.
package diff

import (
	"sort"
)

// Event is a single change emitted from replication. EventID is expected to
// be unique per (metric, version) pair.
type Event struct {
	EventID   string
	UNSPath   string
	Version   int64
	Actor     string
	Changes   map[string]interface{}
	Timestamp string
}

// Snapshot is the rendered state of one aggregated entry.
type Snapshot struct {
	UNSPath         string
	Versions        []int64
	LatestVersion   int64
	PreviousVersion *int64
	LatestActor     string
	Actors          []string
	Timestamps      []string
	Changes         map[string]interface{}
}

type versionedValue struct {
	version int64
	value   interface{}
}

type aggregated struct {
	unsPath string
	events  []Event
	merged  map[string]versionedValue
}

func (a *aggregated) append(event Event) {
	a.events = append(a.events, event)
	for key, value := range event.Changes {
		current, ok := a.merged[key]
		// Higher version wins; on a tie the first-seen value stays.
		if !ok || event.Version > current.version {
			a.merged[key] = versionedValue{version: event.Version, value: value}
		}
	}
}

func (a *aggregated) toSnapshot() Snapshot {
	ordered := make([]Event, len(a.events))
	copy(ordered, a.events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	snap := Snapshot{
		UNSPath: a.unsPath,
		Changes: make(map[string]interface{}, len(a.merged)),
	}
	for _, ev := range ordered {
		snap.Versions = append(snap.Versions, ev.Version)
		snap.Actors = append(snap.Actors, ev.Actor)
		snap.Timestamps = append(snap.Timestamps, ev.Timestamp)
	}
	last := ordered[len(ordered)-1]
	snap.LatestVersion = last.Version
	snap.LatestActor = last.Actor
	if len(ordered) > 1 {
		previous := ordered[len(ordered)-2].Version
		snap.PreviousVersion = &previous
	}
	for key, vv := range a.merged {
		snap.Changes[key] = vv.value
	}
	return snap
}

// Accumulator merges events per UNS path while preserving the order in which
// paths first appeared. It is not safe for concurrent use; the CDC worker
// owns it exclusively.
type Accumulator struct {
	entries map[string]*aggregated
	order   []string
	seen    map[string]struct{}
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		entries: make(map[string]*aggregated),
		seen:    make(map[string]struct{}),
	}
}

// Apply merges event into its path entry. Returns false when the event id
// was seen before; duplicates leave the accumulator unchanged.
func (acc *Accumulator) Apply(event Event) bool {
	if _, dup := acc.seen[event.EventID]; dup {
		return false
	}
	acc.seen[event.EventID] = struct{}{}

	entry, ok := acc.entries[event.UNSPath]
	if !ok {
		entry = &aggregated{unsPath: event.UNSPath, merged: make(map[string]versionedValue)}
		acc.entries[event.UNSPath] = entry
		acc.order = append(acc.order, event.UNSPath)
	}
	entry.append(event)
	return true
}

// Extend applies each event in order and returns how many were new.
func (acc *Accumulator) Extend(events []Event) int {
	applied := 0
	for _, event := range events {
		if acc.Apply(event) {
			applied++
		}
	}
	return applied
}

// Snapshot renders every entry without removing anything.
func (acc *Accumulator) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(acc.order))
	for _, path := range acc.order {
		out = append(out, acc.entries[path].toSnapshot())
	}
	return out
}

// Pop removes the entry for unsPath and returns its snapshot.
func (acc *Accumulator) Pop(unsPath string) (Snapshot, bool) {
	entry, ok := acc.entries[unsPath]
	if !ok {
		return Snapshot{}, false
	}
	delete(acc.entries, unsPath)
	for i, path := range acc.order {
		if path == unsPath {
			acc.order = append(acc.order[:i], acc.order[i+1:]...)
			break
		}
	}
	return entry.toSnapshot(), true
}

// Drain pops every entry in insertion order.
func (acc *Accumulator) Drain() []Snapshot {
	order := make([]string, len(acc.order))
	copy(order, acc.order)
	out := make([]Snapshot, 0, len(order))
	for _, path := range order {
		if snap, ok := acc.Pop(path); ok {
			out = append(out, snap)
		}
	}
	return out
}

// SeenEventIDs returns a copy of the dedup set.
func (acc *Accumulator) SeenEventIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(acc.seen))
	for id := range acc.seen {
		out[id] = struct{}{}
	}
	return out
}
