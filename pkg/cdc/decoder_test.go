package cdc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, data string) []ChangeRecord {
	t.Helper()
	records, err := NewJSONDecoder().Decode(StreamMessage{
		Position:        150,
		Data:            []byte(data),
		CommitTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return records
}

func TestDecodeWal2jsonEnvelope(t *testing.T) {
	records := decode(t, `{
		"change": [{
			"kind": "update",
			"schema": "uns_meta",
			"table": "metric_versions",
			"columnnames": ["metric_id", "version_id"],
			"columnvalues": [42, 7],
			"columntypes": ["bigint", "bigint"]
		}]
	}`)
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, "update", record.Kind)
	require.Equal(t, "uns_meta.metric_versions", record.Relation)
	require.Equal(t, uint64(150), record.Position)
	require.Len(t, record.Columns, 2)
	require.Equal(t, "metric_id", record.Columns[0].Name)
	require.Equal(t, float64(42), record.Columns[0].Value)
	require.Equal(t, "bigint", record.Columns[0].Flags["type_name"])
}

func TestDecodeStructuredColumns(t *testing.T) {
	records := decode(t, `{
		"kind": "insert",
		"relation": "uns_meta.metric_versions",
		"columns": [
			{"name": "metric_id", "value": 42, "type_oid": 20},
			{"name": "diff", "value": {"engUnit": "C"}},
			{"value": "orphan without a name"}
		]
	}`)
	require.Len(t, records, 1)
	require.Equal(t, "insert", records[0].Kind)
	require.Len(t, records[0].Columns, 2)
	require.Equal(t, int64(20), records[0].Columns[0].TypeOID)

	col, ok := records[0].Column("metric_id")
	require.True(t, ok)
	require.Equal(t, float64(42), col.Value)
}

func TestDecodeListOfEnvelopes(t *testing.T) {
	records := decode(t, `[
		{"change": [{"kind": "update", "relation": "r1", "columnnames": ["a"], "columnvalues": [1]}]},
		{"kind": "delete", "relation": "r2"}
	]`)
	require.Len(t, records, 2)
	require.Equal(t, "r1", records[0].Relation)
	require.Equal(t, "delete", records[1].Kind)
}

func TestDecodeOldKeys(t *testing.T) {
	records := decode(t, `{
		"kind": "delete",
		"schema": "uns_meta",
		"table": "metrics",
		"oldkeys": {
			"keynames": ["metric_id"],
			"keyvalues": [42],
			"keytypes": ["bigint"]
		}
	}`)
	require.Len(t, records, 1)
	require.Len(t, records[0].OldColumns, 1)

	col, ok := records[0].Column("metric_id")
	require.True(t, ok)
	require.Equal(t, float64(42), col.Value)
}

func TestDecodeDefaultsKindToUpdate(t *testing.T) {
	records := decode(t, `{"relation": "r", "columnnames": ["a"], "columnvalues": [1]}`)
	require.Len(t, records, 1)
	require.Equal(t, "update", records[0].Kind)
}

func TestDecodeScalarPayloadYieldsNothing(t *testing.T) {
	require.Empty(t, decode(t, `"just a string"`))
}

func TestDecodeInvalidJSONFails(t *testing.T) {
	_, err := NewJSONDecoder().Decode(StreamMessage{Data: []byte(`{broken`)})
	require.Error(t, err)
}

func TestDecodeShortValueArrayLeavesTailNil(t *testing.T) {
	records := decode(t, `{"kind": "update", "relation": "r", "columnnames": ["a", "b"], "columnvalues": [1]}`)
	require.Len(t, records, 1)
	require.Len(t, records[0].Columns, 2)
	require.Nil(t, records[0].Columns[1].Value)
}
