// Package cdc consumes logical replication streams, decoding raw messages
// into structured change records and persisting resume positions.
package cdc

import (
	"context"
	"time"
)

// ChangeColumn is one column value from a replicated row.
type ChangeColumn struct {
	Name    string
	Value   interface{}
	TypeOID int64
	Flags   map[string]interface{}
}

// ChangeRecord is a structured row-level change. Kind is insert, update, or
// delete. OldColumns carries replica identity columns when present.
type ChangeRecord struct {
	Kind            string
	Relation        string
	Columns         []ChangeColumn
	OldColumns      []ChangeColumn
	Position        uint64
	CommitTimestamp time.Time
}

// Column returns the named column from the new row first, then from the old
// identity columns.
func (r ChangeRecord) Column(name string) (ChangeColumn, bool) {
	for _, col := range r.Columns {
		if col.Name == name {
			return col, true
		}
	}
	for _, col := range r.OldColumns {
		if col.Name == name {
			return col, true
		}
	}
	return ChangeColumn{}, false
}

// StreamMessage is one raw message from a replication stream.
type StreamMessage struct {
	Position        uint64
	Data            []byte
	CommitTimestamp time.Time
}

// Stream yields replication messages. Next returns ok=false when the stream
// is exhausted for this round.
type Stream interface {
	Next(ctx context.Context) (StreamMessage, bool, error)
	Close() error
}

// StreamFactory opens a stream starting after the given position. A nil
// start position begins from the slot's confirmed location.
type StreamFactory func(ctx context.Context, startPosition *uint64) (Stream, error)

// Decoder turns one raw stream message into zero or more change records.
type Decoder interface {
	Decode(message StreamMessage) ([]ChangeRecord, error)
}

// Handler is invoked for every decoded change record.
type Handler func(change ChangeRecord) error
