package cdc

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONDecoder decodes wal2json-style payloads. It accepts a {"change":[…]}
// envelope, a list of envelopes or row objects, or a single row object.
// Malformed entries are skipped individually rather than failing the whole
// message.
type JSONDecoder struct{}

// NewJSONDecoder returns a JSONDecoder.
func NewJSONDecoder() *JSONDecoder { return &JSONDecoder{} }

func (d *JSONDecoder) Decode(message StreamMessage) ([]ChangeRecord, error) {
	var payload interface{}
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return nil, fmt.Errorf("cdc: replication payload is not valid JSON: %w", err)
	}

	var items []map[string]interface{}
	switch typed := payload.(type) {
	case map[string]interface{}:
		items = appendEnvelope(items, typed)
	case []interface{}:
		for _, entry := range typed {
			if m, ok := entry.(map[string]interface{}); ok {
				items = appendEnvelope(items, m)
			}
		}
	default:
		return nil, nil
	}

	records := make([]ChangeRecord, 0, len(items))
	for _, item := range items {
		records = append(records, ChangeRecord{
			Kind:            stringOr(item["kind"], "update"),
			Relation:        relationOf(item),
			Columns:         decodeColumns(item),
			OldColumns:      decodeOldColumns(item),
			Position:        message.Position,
			CommitTimestamp: message.CommitTimestamp,
		})
	}
	return records, nil
}

// appendEnvelope flattens a {"change":[…]} wrapper or passes a bare row
// object through.
func appendEnvelope(items []map[string]interface{}, entry map[string]interface{}) []map[string]interface{} {
	if changes, ok := entry["change"].([]interface{}); ok {
		for _, change := range changes {
			if m, ok := change.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return items
	}
	return append(items, entry)
}

func decodeColumns(item map[string]interface{}) []ChangeColumn {
	if raw, ok := item["columns"].([]interface{}); ok {
		return structuredColumns(raw)
	}
	return parallelColumns(item, "columnnames", "columnvalues", "columntypes")
}

func decodeOldColumns(item map[string]interface{}) []ChangeColumn {
	if raw, ok := item["old_columns"].([]interface{}); ok {
		return structuredColumns(raw)
	}
	if oldKeys, ok := item["oldkeys"].(map[string]interface{}); ok {
		return parallelColumns(oldKeys, "keynames", "keyvalues", "keytypes")
	}
	return nil
}

// structuredColumns handles the {name, value, type_oid, flags} shape.
// Entries without a name are dropped.
func structuredColumns(raw []interface{}) []ChangeColumn {
	var columns []ChangeColumn
	for _, entry := range raw {
		col, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name, ok := col["name"]
		if !ok {
			continue
		}
		flags, _ := col["flags"].(map[string]interface{})
		columns = append(columns, ChangeColumn{
			Name:    stringOr(name, ""),
			Value:   col["value"],
			TypeOID: int64Of(col["type_oid"]),
			Flags:   flags,
		})
	}
	return columns
}

// parallelColumns handles the wal2json parallel-array shape. Shorter value
// or type arrays leave the tail nil.
func parallelColumns(item map[string]interface{}, namesKey, valuesKey, typesKey string) []ChangeColumn {
	names, _ := item[namesKey].([]interface{})
	values, _ := item[valuesKey].([]interface{})
	types, _ := item[typesKey].([]interface{})
	if len(names) == 0 {
		return nil
	}

	columns := make([]ChangeColumn, 0, len(names))
	for i, name := range names {
		col := ChangeColumn{Name: stringOr(name, "")}
		if i < len(values) {
			col.Value = values[i]
		}
		if i < len(types) {
			if typeName, ok := types[i].(string); ok && typeName != "" {
				col.Flags = map[string]interface{}{"type_name": typeName}
			}
		}
		columns = append(columns, col)
	}
	return columns
}

func relationOf(item map[string]interface{}) string {
	if relation := stringOr(item["relation"], ""); relation != "" {
		return relation
	}
	schema := stringOr(item["schema"], "")
	table := stringOr(item["table"], "")
	if schema != "" && table != "" {
		return schema + "." + table
	}
	return ""
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func int64Of(v interface{}) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	default:
		return 0
	}
}
