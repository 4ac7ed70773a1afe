package canary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/unsmeta/metasync/pkg/unspath"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const qualityCode = 192

// Diff is a metric metadata change destined for the historian.
type Diff struct {
	UNSPath    string
	Properties map[string]interface{}
	Metadata   map[string]interface{}
	Actor      string
	Version    *int64
}

// DiffFromPayload builds a Diff from the assorted payload shapes emitted by
// the change listener. The path may arrive as uns_path or metric, changed
// properties as a changes map, a diff map, or a list of {key, value} entries.
func DiffFromPayload(payload map[string]interface{}) (*Diff, error) {
	rawPath, ok := payload["uns_path"].(string)
	if !ok {
		rawPath, _ = payload["metric"].(string)
	}
	unsPath := strings.TrimSpace(rawPath)
	if unsPath == "" {
		return nil, fmt.Errorf("diff payload must include a non-empty uns_path or metric")
	}

	rawProperties := payload["changes"]
	if rawProperties == nil {
		rawProperties = payload["diff"]
	}
	properties := map[string]interface{}{}
	switch typed := rawProperties.(type) {
	case map[string]interface{}:
		for key, value := range typed {
			properties[key] = value
		}
	case []interface{}:
		for _, entry := range typed {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			key, ok := m["key"].(string)
			if !ok {
				continue
			}
			properties[key] = m["value"]
		}
	}

	metadata, _ := payload["metadata"].(map[string]interface{})
	if metadata == nil {
		metadata, _ = payload["extras"].(map[string]interface{})
	}

	diff := &Diff{
		UNSPath:    unsPath,
		Properties: properties,
		Metadata:   metadata,
	}

	if actor, ok := payload["actor"].(string); ok && strings.TrimSpace(actor) != "" {
		diff.Actor = actor
	} else if actor, ok := metadata["latest_actor"].(string); ok {
		diff.Actor = actor
	}

	if version, ok := asInt64(payload["version"]); ok {
		diff.Version = &version
	} else if version, ok := asInt64(metadata["latest_version"]); ok {
		diff.Version = &version
	}
	return diff, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// PayloadMapper turns diff batches into /storeData request bodies.
type PayloadMapper struct {
	maxPayloadBytes int
	ids             *unspath.Generator
	now             func() time.Time
}

func NewPayloadMapper(maxPayloadBytes int, ids *unspath.Generator) (*PayloadMapper, error) {
	if maxPayloadBytes <= 0 {
		return nil, fmt.Errorf("maxPayloadBytes must be positive, got %d", maxPayloadBytes)
	}
	if ids == nil {
		ids = unspath.NewGenerator(nil)
	}
	return &PayloadMapper{
		maxPayloadBytes: maxPayloadBytes,
		ids:             ids,
		now:             time.Now,
	}, nil
}

// BuildPayload encodes a batch as {sessionToken, properties: {tag: [[key,
// timestamp, value, quality], ...]}}. All entries in a batch share one
// timestamp. The encoded size is checked against the configured limit.
func (m *PayloadMapper) BuildPayload(sessionToken string, diffs []*Diff) ([]byte, error) {
	token := strings.TrimSpace(sessionToken)
	if token == "" {
		return nil, fmt.Errorf("session token must not be empty")
	}
	if len(diffs) == 0 {
		return nil, fmt.Errorf("diff batch must not be empty")
	}

	timestamp := m.now().UTC().Format("2006-01-02T15:04:05.000000Z")
	properties := map[string][][]interface{}{}
	for _, diff := range diffs {
		entries := buildEntries(diff.Properties, timestamp)
		if len(entries) == 0 {
			continue
		}
		tag, err := m.ids.MetricPathToCanaryID(diff.UNSPath)
		if err != nil {
			return nil, fmt.Errorf("cannot derive tag id for %q: %w", diff.UNSPath, err)
		}
		properties[tag] = entries
	}
	if len(properties) == 0 {
		return nil, fmt.Errorf("no diff entries yielded payload content")
	}

	encoded, err := json.Marshal(map[string]interface{}{
		"sessionToken": token,
		"properties":   properties,
	})
	if err != nil {
		return nil, err
	}
	if len(encoded) > m.maxPayloadBytes {
		tags := make([]string, 0, len(properties))
		for tag := range properties {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d (tags: %s)",
			ErrPayloadTooLarge, len(encoded), m.maxPayloadBytes, strings.Join(tags, ", "))
	}
	return encoded, nil
}

func buildEntries(properties map[string]interface{}, timestamp string) [][]interface{} {
	keys := make([]string, 0, len(properties))
	for key := range properties {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([][]interface{}, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, []interface{}{
			strings.TrimSpace(key), timestamp, encodeValue(properties[key]), qualityCode,
		})
	}
	return entries
}

// encodeValue maps property values onto what the write API accepts: nil
// becomes the empty string, booleans lowercase strings, numbers and strings
// pass through, anything else is JSON stringified.
func encodeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case nil:
		return ""
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case int, int32, int64, uint32, uint64, float32, float64, string:
		return typed
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return jsoniter.RawMessage(encoded)
	}
}
