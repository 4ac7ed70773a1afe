package ingestor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/unsmeta/metasync/pkg/aliascache"
	"github.com/unsmeta/metasync/pkg/metastore"
	"github.com/unsmeta/metasync/pkg/sparkplug"
	"github.com/unsmeta/metasync/pkg/unspath"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const upsertBatchSize = 100

// FrameMetric is one metric of a decoded frame with its resolved name and
// derived identifiers. UNSPath and CanaryID stay empty when derivation
// fails, keeping the audit trail lossless.
type FrameMetric struct {
	Name       string                 `json:"name"`
	Value      interface{}            `json:"value"`
	DataType   uint32                 `json:"datatype"`
	Timestamp  uint64                 `json:"timestamp"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	UNSPath    string                 `json:"uns_path,omitempty"`
	CanaryID   string                 `json:"canary_id,omitempty"`
}

// Frame is the canonical record of one Sparkplug message after decode and
// alias resolution.
type Frame struct {
	Topic         string        `json:"topic"`
	DeviceUNSPath string        `json:"device_uns_path,omitempty"`
	Metrics       []FrameMetric `json:"metrics"`
}

func (i *Ingestor) handleMessage(ctx context.Context, pub publisher, topic string, payload []byte) {
	parsed, ok := sparkplug.ParseTopic(topic)
	if !ok {
		return
	}
	metricMessages.Inc()

	decoded, err := sparkplug.Decode(payload)
	if err != nil {
		metricDecodeErrors.Inc()
		level.Warn(i.logger).Log("msg", "payload decode failed", "topic", topic, "err", err)
		return
	}

	devicePath := ""
	if parsed.Device != "" {
		devicePath, err = unspath.NormalizeDevicePath(parsed.Group, parsed.EdgeNode, parsed.Device)
		if err != nil {
			level.Warn(i.logger).Log("msg", "device path derivation failed", "topic", topic, "err", err)
			devicePath = ""
		}
	}

	switch parsed.MessageType {
	case sparkplug.MessageNBirth:
		i.ingestBirth(aliascache.Key{Group: parsed.Group, EdgeNode: parsed.EdgeNode}, decoded)
	case sparkplug.MessageDBirth:
		if parsed.Device != "" {
			i.ingestBirth(aliascache.Key{Group: parsed.Group, EdgeNode: parsed.EdgeNode, Device: parsed.Device}, decoded)
		}
	}

	frame := i.buildFrame(pub, parsed, topic, devicePath, decoded)

	if err := i.persistFrame(ctx, parsed, devicePath, frame); err != nil {
		metricPersistErrors.Inc()
		level.Error(i.logger).Log("msg", "frame persist failed", "topic", topic, "err", err)
	}

	if i.cfg.JSONL.Write {
		if err := i.writeJSONL(topic, frame); err != nil {
			level.Warn(i.logger).Log("msg", "jsonl append failed", "topic", topic, "err", err)
		}
	}
}

// ingestBirth records alias bindings announced by a birth certificate.
// Only metrics carrying both a positive alias and a name declare bindings.
func (i *Ingestor) ingestBirth(key aliascache.Key, payload *sparkplug.Payload) {
	for _, m := range payload.Metrics {
		if m.Alias == 0 || m.Name == "" {
			continue
		}
		i.aliases.Set(key, m.Alias, aliascache.Info{
			Name:       m.Name,
			DataType:   m.DataType,
			Properties: sparkplug.FlattenProperties(m.Properties),
		})
	}
}

func (i *Ingestor) buildFrame(pub publisher, parsed sparkplug.Topic, topic, devicePath string, payload *sparkplug.Payload) Frame {
	frame := Frame{
		Topic:         topic,
		DeviceUNSPath: devicePath,
		Metrics:       make([]FrameMetric, 0, len(payload.Metrics)),
	}

	for _, m := range payload.Metrics {
		fm := FrameMetric{
			Name:       i.resolveName(pub, parsed, m),
			Value:      m.Value.Any(),
			DataType:   m.DataType,
			Timestamp:  m.Timestamp,
			Properties: sparkplug.FlattenProperties(m.Properties),
		}

		path, err := unspath.NormalizeMetricPath(parsed.Group, parsed.EdgeNode, parsed.Device, fm.Name)
		if err != nil {
			level.Debug(i.logger).Log("msg", "metric path derivation failed", "metric", fm.Name, "err", err)
		} else {
			fm.UNSPath = path
			if canaryID, err := i.ids.MetricPathToCanaryID(path); err != nil {
				level.Debug(i.logger).Log("msg", "canary id derivation failed", "uns_path", path, "err", err)
			} else {
				fm.CanaryID = canaryID
			}
		}

		frame.Metrics = append(frame.Metrics, fm)
	}
	return frame
}

// resolveName returns the metric's declared name, falls back to the alias
// tables, and as a last resort returns the literal alias:<n> after asking
// the edge node for a rebirth.
func (i *Ingestor) resolveName(pub publisher, parsed sparkplug.Topic, m sparkplug.Metric) string {
	if m.Name != "" {
		return m.Name
	}
	if info, ok := i.aliases.Resolve(parsed.Group, parsed.EdgeNode, parsed.Device, m.Alias); ok {
		return info.Name
	}
	i.maybeRequestRebirth(pub, parsed)
	return fmt.Sprintf("alias:%d", m.Alias)
}

// maybeRequestRebirth publishes an empty rebirth command, at most once per
// throttle interval per (group, edge, device).
func (i *Ingestor) maybeRequestRebirth(pub publisher, parsed sparkplug.Topic) {
	if !i.cfg.MQTT.AutoRequestRebirth {
		return
	}
	key := aliascache.Key{Group: parsed.Group, EdgeNode: parsed.EdgeNode, Device: parsed.Device}

	i.mtx.Lock()
	now := i.nowFn()
	if last, ok := i.lastRebirth[key]; ok && now.Sub(last) < i.cfg.MQTT.RebirthThrottle {
		i.mtx.Unlock()
		return
	}
	i.lastRebirth[key] = now
	i.mtx.Unlock()

	topic := sparkplug.RebirthTopic(parsed.Group, parsed.EdgeNode)
	metricRebirthRequests.Inc()
	if err := pub.Publish(topic, nil); err != nil {
		level.Warn(i.logger).Log("msg", "rebirth request failed", "topic", topic, "err", err)
		return
	}
	level.Info(i.logger).Log("msg", "rebirth requested", "topic", topic)
}

// persistFrame writes device, metric, and property rows in one transaction.
// Frames without the required location dimensions are skipped, not failed.
func (i *Ingestor) persistFrame(ctx context.Context, parsed sparkplug.Topic, devicePath string, frame Frame) error {
	if i.db == nil || parsed.Device == "" || devicePath == "" {
		return nil
	}

	country := extractDimension(frame.Metrics, "country")
	businessUnit := extractDimension(frame.Metrics, "business_unit")
	plant := extractDimension(frame.Metrics, "plant")
	if country == "" || businessUnit == "" || plant == "" {
		metricFramesSkipped.Inc()
		level.Warn(i.logger).Log(
			"msg", "frame missing required dimensions, not persisted",
			"topic", frame.Topic, "country", country, "business_unit", businessUnit, "plant", plant,
		)
		return nil
	}

	var (
		deviceID  int64
		metricIDs map[string]int64
		payloads  []metastore.MetricPayload
	)
	err := metastore.InTx(ctx, i.db, func(repo *metastore.Repository) error {
		device, err := repo.UpsertDevice(ctx, metastore.DevicePayload{
			GroupID:      parsed.Group,
			Country:      country,
			BusinessUnit: businessUnit,
			Plant:        plant,
			Edge:         parsed.EdgeNode,
			Device:       parsed.Device,
			UNSPath:      devicePath,
		})
		if err != nil {
			return err
		}
		deviceID = device.Record.DeviceID

		for _, fm := range frame.Metrics {
			if fm.Name == "" || fm.UNSPath == "" {
				continue
			}
			typeName, ok := sparkplug.DataTypeName(fm.DataType)
			if !ok {
				level.Debug(i.logger).Log("msg", "metric with unknown datatype skipped", "metric", fm.Name, "datatype", fm.DataType)
				continue
			}
			payloads = append(payloads, metastore.MetricPayload{
				DeviceID: deviceID,
				Name:     fm.Name,
				UNSPath:  fm.UNSPath,
				DataType: typeName,
			})
		}
		if len(payloads) == 0 {
			return nil
		}

		metricIDs, err = repo.UpsertMetricsBulk(ctx, payloads, upsertBatchSize)
		if err != nil {
			return err
		}

		var props []metastore.PropertyPayload
		for _, fm := range frame.Metrics {
			metricID, ok := metricIDs[fm.Name]
			if !ok {
				continue
			}
			for key, value := range fm.Properties {
				if p := propertyPayload(metricID, key, value); p != nil {
					props = append(props, *p)
				}
			}
		}
		if len(props) == 0 {
			return nil
		}
		_, err = repo.UpsertMetricPropertiesBulk(ctx, props, upsertBatchSize)
		return err
	})
	if err != nil {
		return err
	}

	metricFramesPersisted.Inc()
	i.recordLineage(ctx, deviceID, metricIDs, payloads)
	return nil
}

// recordLineage writes a path lineage edge whenever a metric's UNS path
// moved since the last frame this process saw it in.
func (i *Ingestor) recordLineage(ctx context.Context, deviceID int64, metricIDs map[string]int64, payloads []metastore.MetricPayload) {
	if i.lineage == nil {
		return
	}
	for _, p := range payloads {
		metricID, ok := metricIDs[p.Name]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%d/%s", deviceID, p.Name)

		i.mtx.Lock()
		previous, seen := i.knownPaths[key]
		i.knownPaths[key] = p.UNSPath
		i.mtx.Unlock()

		if !seen || previous == p.UNSPath {
			continue
		}
		diff := map[string]interface{}{
			"uns_path": map[string]interface{}{"old": previous, "new": p.UNSPath},
		}
		if err := i.lineage.Apply(ctx, metricID, p.UNSPath, diff, previous, "ingest"); err != nil {
			level.Warn(i.logger).Log("msg", "lineage write failed", "metric", p.Name, "err", err)
		}
	}
}

// extractDimension finds the trimmed value of a well-known metric by
// case-insensitive name match.
func extractDimension(metrics []FrameMetric, name string) string {
	for _, m := range metrics {
		if !strings.EqualFold(m.Name, name) || m.Value == nil {
			continue
		}
		if s, ok := m.Value.(string); ok {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(fmt.Sprint(m.Value))
	}
	return ""
}

// propertyPayload infers the typed column for one property value. Values
// that do not map to a store type are dropped.
func propertyPayload(metricID int64, key string, value interface{}) *metastore.PropertyPayload {
	payload := &metastore.PropertyPayload{MetricID: metricID, Key: key, Value: value}
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		payload.Type = "boolean"
	case uint32:
		payload.Type = intOrLong(int64(v))
	case int:
		payload.Type = intOrLong(int64(v))
	case int32:
		payload.Type = "int"
	case int64:
		payload.Type = intOrLong(v)
	case uint64:
		if v > 2147483647 {
			payload.Type = "long"
		} else {
			payload.Type = "int"
		}
	case float32, float64:
		payload.Type = "double"
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		payload.Type = "string"
		payload.Value = trimmed
	default:
		return nil
	}
	return payload
}

func intOrLong(v int64) string {
	if v >= -2147483647 && v <= 2147483647 {
		return "int"
	}
	return "long"
}

// writeJSONL appends the frame as one JSON line to the topic's audit file.
func (i *Ingestor) writeJSONL(topic string, frame Frame) error {
	slug := strings.ReplaceAll(topic, "/", "_")
	path := strings.ReplaceAll(i.cfg.JSONL.Pattern, "{topic}", slug)

	line, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}
