package cdclistener

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unsmeta/metasync/pkg/cdc"
	"github.com/unsmeta/metasync/pkg/checkpoint"
)

type fakeProvider struct {
	identity  Identity
	snapshots []VersionSnapshot
	calls     int
}

func (p *fakeProvider) GetIdentity(_ context.Context, metricID int64) (Identity, bool, error) {
	if metricID != p.identity.MetricID {
		return Identity{}, false, nil
	}
	return p.identity, true, nil
}

func (p *fakeProvider) GetVersionSnapshot(context.Context, int64) (VersionSnapshot, bool, error) {
	if p.calls >= len(p.snapshots) {
		return VersionSnapshot{}, false, nil
	}
	snapshot := p.snapshots[p.calls]
	p.calls++
	return snapshot, true, nil
}

type fakeStream struct {
	messages []cdc.StreamMessage
	idx      int
}

func (s *fakeStream) Next(context.Context) (cdc.StreamMessage, bool, error) {
	if s.idx >= len(s.messages) {
		return cdc.StreamMessage{}, false, nil
	}
	message := s.messages[s.idx]
	s.idx++
	return message, true, nil
}

func (s *fakeStream) Close() error { return nil }

func versionChange(position uint64, metricID, versionID int64) cdc.StreamMessage {
	data := fmt.Sprintf(
		`{"change": [{"kind": "insert", "schema": "uns_meta", "table": "metric_versions", "columnnames": ["metric_id", "version_id"], "columnvalues": [%d, %d]}]}`,
		metricID, versionID,
	)
	return cdc.StreamMessage{Position: position, Data: []byte(data), CommitTimestamp: time.Now()}
}

func testListenerConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.CheckpointBackend = "memory"
	return cfg
}

func newTestListener(t *testing.T, provider MetadataProvider, sink DiffSink, factory cdc.StreamFactory, store checkpoint.Store) *Listener {
	t.Helper()
	listener, err := New(testListenerConfig(), provider, sink, factory, store, nil)
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	listener.nowFn = func() time.Time { return t0 }
	listener.lastFlush = t0
	listener.sleep = func(context.Context, time.Duration) bool { return true }
	return listener
}

func TestListenerCoalescesVersionsIntoOnePayload(t *testing.T) {
	changedAt := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	previous := int64(6)
	provider := &fakeProvider{
		identity: Identity{MetricID: 42, UNSPath: "G/E/D/kiln.temp", CanaryID: "G.E.D.kiln.temp"},
		snapshots: []VersionSnapshot{
			{MetricID: 42, Version: 6, Actor: "ingest", ChangedAt: changedAt, Diff: map[string]interface{}{"engUnit": "degC"}},
			{MetricID: 42, Version: 7, Actor: "scada", ChangedAt: changedAt.Add(time.Second), Diff: map[string]interface{}{"engUnit": "degF", "hiLimit": 900}, PreviousVersion: &previous},
		},
	}

	var payloads []map[string]interface{}
	sink := func(payload map[string]interface{}) error {
		payloads = append(payloads, payload)
		return nil
	}

	stream := &fakeStream{messages: []cdc.StreamMessage{
		versionChange(100, 42, 6),
		versionChange(110, 42, 7),
	}}
	store := checkpoint.NewMemoryStore()
	listener := newTestListener(t, provider, sink, func(context.Context, *uint64) (cdc.Stream, error) {
		return stream, nil
	}, store)

	listener.processOnce(context.Background())
	require.Empty(t, payloads)

	require.Equal(t, 1, listener.ForceFlush())
	require.Len(t, payloads, 1)

	payload := payloads[0]
	require.Equal(t, "G/E/D/kiln.temp", payload["uns_path"])
	require.Equal(t, "G.E.D.kiln.temp", payload["canary_id"])
	require.Equal(t, int64(42), payload["metric_id"])
	require.Equal(t, []int64{6, 7}, payload["versions"])
	require.Equal(t, map[string]interface{}{"engUnit": "degF", "hiLimit": 900}, payload["changes"])

	metadata := payload["metadata"].(map[string]interface{})
	require.Equal(t, int64(7), metadata["latest_version"])
	require.Equal(t, int64(6), metadata["previous_version"])
	require.Equal(t, "scada", metadata["latest_actor"])
	require.Equal(t, []string{"42:6", "42:7"}, metadata["event_ids"])
	require.Equal(t, float64(0), metadata["debounce_span_seconds"])
	require.Equal(t, "2025-06-01T11:59:01.000000Z", metadata["changed_at"])

	// a second flush has nothing left
	require.Equal(t, 0, listener.ForceFlush())

	position, ok, err := store.Load(listener.cfg.Slot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(110), position)
}

func TestListenerResumesFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save("uns_meta_slot", 110))

	provider := &fakeProvider{
		identity: Identity{MetricID: 7, UNSPath: "G/E/D/m", CanaryID: "G.E.D.m"},
		snapshots: []VersionSnapshot{
			{MetricID: 7, Version: 1, Actor: "ingest", ChangedAt: time.Now(), Diff: map[string]interface{}{"a": 1}},
			{MetricID: 7, Version: 2, Actor: "ingest", ChangedAt: time.Now(), Diff: map[string]interface{}{"a": 2}},
		},
	}

	var factoryStart *uint64
	listener := newTestListener(t, provider, func(map[string]interface{}) error { return nil },
		func(_ context.Context, start *uint64) (cdc.Stream, error) {
			factoryStart = start
			return &fakeStream{messages: []cdc.StreamMessage{
				versionChange(150, 7, 1),
				versionChange(200, 7, 2),
			}}, nil
		}, store)

	listener.processOnce(context.Background())

	require.NotNil(t, factoryStart)
	require.Equal(t, uint64(110), *factoryStart)

	position, _, _ := store.Load("uns_meta_slot")
	require.Equal(t, uint64(200), position)
}

func TestListenerSinkErrorDoesNotStopFlush(t *testing.T) {
	provider := &fakeProvider{
		identity: Identity{MetricID: 9, UNSPath: "G/E/D/m", CanaryID: "G.E.D.m"},
		snapshots: []VersionSnapshot{
			{MetricID: 9, Version: 3, Actor: "ingest", ChangedAt: time.Now(), Diff: map[string]interface{}{"a": 1}},
		},
	}

	listener := newTestListener(t, provider, func(map[string]interface{}) error {
		return errors.New("queue full")
	}, func(context.Context, *uint64) (cdc.Stream, error) {
		return &fakeStream{messages: []cdc.StreamMessage{versionChange(100, 9, 3)}}, nil
	}, checkpoint.NewMemoryStore())

	listener.processOnce(context.Background())
	require.Equal(t, 0, listener.ForceFlush())
}

func TestListenerFlushIntervalGate(t *testing.T) {
	provider := &fakeProvider{identity: Identity{MetricID: 1, UNSPath: "G/E/D/m", CanaryID: "G.E.D.m"}}
	listener := newTestListener(t, provider, func(map[string]interface{}) error { return nil },
		func(context.Context, *uint64) (cdc.Stream, error) {
			return &fakeStream{}, nil
		}, checkpoint.NewMemoryStore())

	// within the flush interval nothing is emitted even with entries due
	require.Equal(t, 0, listener.flushReady(false))
}

func TestListenerEmptyDiffProducesNoEvent(t *testing.T) {
	provider := &fakeProvider{
		identity:  Identity{MetricID: 5, UNSPath: "G/E/D/m", CanaryID: "G.E.D.m"},
		snapshots: nil, // provider yields no snapshot, e.g. empty diff rows
	}

	var payloads int
	listener := newTestListener(t, provider, func(map[string]interface{}) error {
		payloads++
		return nil
	}, func(context.Context, *uint64) (cdc.Stream, error) {
		return &fakeStream{messages: []cdc.StreamMessage{versionChange(100, 5, 1)}}, nil
	}, checkpoint.NewMemoryStore())

	listener.processOnce(context.Background())
	require.Zero(t, listener.ForceFlush())
	require.Zero(t, payloads)
}
