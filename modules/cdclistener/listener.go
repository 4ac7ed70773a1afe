package cdclistener

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/unsmeta/metasync/pkg/cdc"
	"github.com/unsmeta/metasync/pkg/checkpoint"
	"github.com/unsmeta/metasync/pkg/debounce"
	"github.com/unsmeta/metasync/pkg/diff"
)

// DiffSink receives each coalesced payload. Usually this enqueues into the
// historian writer.
type DiffSink func(payload map[string]interface{}) error

// Listener tails the metadata schema through logical replication, coalesces
// version rows per metric, and emits debounced diff payloads.
type Listener struct {
	services.Service

	cfg    Config
	logger log.Logger

	client      *cdc.Client
	backoff     *cdc.Backoff
	accumulator *diff.Accumulator
	buffer      *debounce.Buffer
	provider    MetadataProvider
	sink        DiffSink

	lastFlush time.Time
	runCtx    context.Context

	// injectable for deterministic tests
	nowFn func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config, provider MetadataProvider, sink DiffSink, factory cdc.StreamFactory, store checkpoint.Store, logger log.Logger) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if store == nil {
		var err error
		store, err = newCheckpointStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	backoff, err := cdc.NewBackoff(cfg.Backoff)
	if err != nil {
		return nil, err
	}
	buffer, err := debounce.NewBuffer(cfg.Window, cfg.BufferCap, logger)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		cfg:         cfg,
		logger:      logger,
		backoff:     backoff,
		accumulator: diff.NewAccumulator(),
		buffer:      buffer,
		provider:    provider,
		sink:        sink,
		runCtx:      context.Background(),
		nowFn:       time.Now,
		sleep:       sleepContext,
	}
	l.lastFlush = l.nowFn()

	checkpointInterval := cfg.MaxBatchMessages / 2
	if checkpointInterval < 1 {
		checkpointInterval = 1
	}
	l.client = cdc.NewClient(cfg.Slot, factory, cdc.NewJSONDecoder(), store, l.handleChange, checkpointInterval, backoff)

	l.Service = services.NewBasicService(nil, l.running, l.stopping)
	return l, nil
}

func newCheckpointStore(cfg Config, logger log.Logger) (checkpoint.Store, error) {
	if cfg.CheckpointBackend == "memory" {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewFileStore(cfg.ResumePath, cfg.ResumeFsync, logger)
}

func (l *Listener) running(ctx context.Context) error {
	level.Info(l.logger).Log("msg", "cdc listener running", "slot", l.cfg.Slot, "plugin", l.cfg.ReplicationPlugin)
	l.runCtx = ctx
	for ctx.Err() == nil {
		l.processOnce(ctx)
	}
	return nil
}

func (l *Listener) stopping(_ error) error {
	l.ForceFlush()
	return nil
}

// ResetResumePosition rewinds the stored replication position with the
// checkpoint store's guardrails.
func (l *Listener) ResetResumePosition(expected, newPosition *uint64, force bool) error {
	return l.client.ResetCheckpoint(expected, newPosition, force)
}

// processOnce drains one replication batch and flushes due entries. On a
// processing error it sleeps the backoff delay and reports zero emitted.
func (l *Listener) processOnce(ctx context.Context) int {
	processed, err := l.client.Process(ctx, l.cfg.MaxBatchMessages)
	metricRecords.Add(float64(processed))
	if err != nil {
		delay := l.client.LastErrorDelay()
		if delay <= 0 {
			if d, berr := l.backoff.NextDelay(); berr == nil {
				delay = d
			}
		}
		metricErrors.Inc()
		metricReconnects.Inc()
		level.Warn(l.logger).Log("msg", "cdc processing failed, retrying", "delay", delay, "err", err)
		l.sleep(ctx, delay)
		return 0
	}

	emitted := l.flushReady(false)
	if processed == 0 && emitted == 0 {
		l.sleep(ctx, l.cfg.IdleSleep)
	}
	return emitted
}

// ForceFlush emits everything buffered regardless of quiet windows.
func (l *Listener) ForceFlush() int {
	return l.flushReady(true)
}

func (l *Listener) flushReady(force bool) int {
	now := l.nowFn()
	if !force && now.Sub(l.lastFlush) < l.cfg.FlushInterval {
		return 0
	}

	var ready []debounce.Flushed
	if force {
		// shift the clock past the window so every entry qualifies
		ready = l.buffer.FlushDue(now.Add(l.cfg.Window))
	} else {
		ready = l.buffer.FlushDue(now)
	}

	emitted := 0
	for _, entry := range ready {
		snapshot, ok := l.accumulator.Pop(entry.Metric)
		if !ok {
			continue
		}
		payload := buildPayload(entry, snapshot)
		if err := l.sink(payload); err != nil {
			level.Error(l.logger).Log("msg", "diff sink failed", "metric", entry.Metric, "err", err)
			metricErrors.Inc()
			continue
		}
		emitted++
		metricPayloads.Inc()
	}
	if force || emitted > 0 {
		l.lastFlush = now
	}
	return emitted
}

// handleChange resolves one replication record into a diff event and feeds
// the accumulator and the debounce buffer.
func (l *Listener) handleChange(change cdc.ChangeRecord) error {
	metricID, ok := extractMetricID(change)
	if !ok {
		return nil
	}

	identity, ok, err := l.provider.GetIdentity(l.runCtx, metricID)
	if err != nil {
		return err
	}
	if !ok {
		level.Debug(l.logger).Log("msg", "metric missing from metadata store", "metric_id", metricID)
		return nil
	}

	snapshot, ok, err := l.provider.GetVersionSnapshot(l.runCtx, metricID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	event := diff.Event{
		EventID:   fmt.Sprintf("%d:%d", metricID, snapshot.Version),
		UNSPath:   identity.UNSPath,
		Version:   snapshot.Version,
		Actor:     snapshot.Actor,
		Changes:   copyMap(snapshot.Diff),
		Timestamp: formatTimestamp(snapshot.ChangedAt),
	}
	if !l.accumulator.Apply(event) {
		return nil
	}

	version := snapshot.Version
	l.buffer.Add(identity.UNSPath, debounce.Update{
		Diff:      copyMap(snapshot.Diff),
		Version:   &version,
		Actor:     snapshot.Actor,
		EventID:   event.EventID,
		Timestamp: l.nowFn(),
		Extras: map[string]interface{}{
			"metric_id":  metricID,
			"canary_id":  identity.CanaryID,
			"changed_at": snapshot.ChangedAt,
		},
	})
	metricEvents.Inc()
	return nil
}

// buildPayload merges the debounce entry and the accumulator snapshot into
// the emitted diff payload.
func buildPayload(entry debounce.Flushed, snapshot diff.Snapshot) map[string]interface{} {
	metadata := map[string]interface{}{
		"latest_version":       snapshot.LatestVersion,
		"latest_actor":         snapshot.LatestActor,
		"actors":               snapshot.Actors,
		"timestamps":           snapshot.Timestamps,
		"event_ids":            entry.EventIDs,
		"debounce_first_seen":  formatTimestamp(entry.FirstSeen),
		"debounce_last_update": formatTimestamp(entry.LastUpdate),
	}
	if snapshot.PreviousVersion != nil {
		metadata["previous_version"] = *snapshot.PreviousVersion
	} else {
		metadata["previous_version"] = nil
	}

	span := entry.LastUpdate.Sub(entry.FirstSeen).Seconds()
	if span < 0 {
		span = 0
	}
	metadata["debounce_span_seconds"] = span

	if changedAt, ok := entry.Extras["changed_at"].(time.Time); ok {
		metadata["changed_at"] = formatTimestamp(changedAt)
	}

	return map[string]interface{}{
		"metric_id": entry.Extras["metric_id"],
		"uns_path":  snapshot.UNSPath,
		"canary_id": entry.Extras["canary_id"],
		"versions":  snapshot.Versions,
		"metadata":  metadata,
		"changes":   snapshot.Changes,
	}
}

func extractMetricID(change cdc.ChangeRecord) (int64, bool) {
	column, ok := change.Column("metric_id")
	if !ok {
		return 0, false
	}
	switch v := column.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for key, value := range src {
		out[key] = value
	}
	return out
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
