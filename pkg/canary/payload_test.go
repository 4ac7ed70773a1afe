package canary

import (
	stdjson "encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiffFromPayloadChangesMap(t *testing.T) {
	diff, err := DiffFromPayload(map[string]interface{}{
		"uns_path": " Acme/Edge-01/Kiln-K1/kiln.temp ",
		"changes":  map[string]interface{}{"engUnit": "degC", "hiLimit": 900},
		"metadata": map[string]interface{}{
			"latest_actor":   "scada",
			"latest_version": float64(7),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Acme/Edge-01/Kiln-K1/kiln.temp", diff.UNSPath)
	require.Equal(t, "degC", diff.Properties["engUnit"])
	require.Equal(t, "scada", diff.Actor)
	require.NotNil(t, diff.Version)
	require.Equal(t, int64(7), *diff.Version)
}

func TestDiffFromPayloadEntryList(t *testing.T) {
	diff, err := DiffFromPayload(map[string]interface{}{
		"metric": "G/E/D/m",
		"diff": []interface{}{
			map[string]interface{}{"key": "engUnit", "value": "kPa"},
			map[string]interface{}{"value": "no key, skipped"},
		},
		"actor": "operator",
	})
	require.NoError(t, err)
	require.Equal(t, "G/E/D/m", diff.UNSPath)
	require.Equal(t, map[string]interface{}{"engUnit": "kPa"}, diff.Properties)
	require.Equal(t, "operator", diff.Actor)
}

func TestDiffFromPayloadRequiresPath(t *testing.T) {
	_, err := DiffFromPayload(map[string]interface{}{"changes": map[string]interface{}{"a": 1}})
	require.Error(t, err)

	_, err = DiffFromPayload(map[string]interface{}{"uns_path": "   "})
	require.Error(t, err)
}

func newTestMapper(t *testing.T, maxBytes int) *PayloadMapper {
	t.Helper()
	mapper, err := NewPayloadMapper(maxBytes, nil)
	require.NoError(t, err)
	mapper.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC)
	}
	return mapper
}

func TestBuildPayloadShape(t *testing.T) {
	mapper := newTestMapper(t, 1_000_000)

	body, err := mapper.BuildPayload("tok-1", []*Diff{{
		UNSPath:    "G/E/D/kiln.temp",
		Properties: map[string]interface{}{"engUnit": "degC", "hiLimit": 900},
	}})
	require.NoError(t, err)

	var decoded struct {
		SessionToken string                       `json:"sessionToken"`
		Properties   map[string][][4]interface{} `json:"properties"`
	}
	require.NoError(t, stdjson.Unmarshal(body, &decoded))
	require.Equal(t, "tok-1", decoded.SessionToken)

	entries, ok := decoded.Properties["G.E.D.kiln.temp"]
	require.True(t, ok)
	require.Len(t, entries, 2)

	// keys are sorted for deterministic output
	require.Equal(t, "engUnit", entries[0][0])
	require.Equal(t, "2025-06-01T12:30:45.123456Z", entries[0][1])
	require.Equal(t, "degC", entries[0][2])
	require.Equal(t, float64(192), entries[0][3])
	require.Equal(t, "hiLimit", entries[1][0])
	require.Equal(t, float64(900), entries[1][2])
}

func TestBuildPayloadValueEncoding(t *testing.T) {
	mapper := newTestMapper(t, 1_000_000)

	body, err := mapper.BuildPayload("tok", []*Diff{{
		UNSPath: "G/E/D/m",
		Properties: map[string]interface{}{
			"a_nil":    nil,
			"b_bool":   true,
			"c_number": 3.5,
			"d_string": "plain",
			"e_map":    map[string]interface{}{"nested": 1},
		},
	}})
	require.NoError(t, err)

	var decoded struct {
		Properties map[string][][4]interface{} `json:"properties"`
	}
	require.NoError(t, stdjson.Unmarshal(body, &decoded))
	entries := decoded.Properties["G.E.D.m"]
	require.Len(t, entries, 5)

	require.Equal(t, "", entries[0][2])
	require.Equal(t, "true", entries[1][2])
	require.Equal(t, 3.5, entries[2][2])
	require.Equal(t, "plain", entries[3][2])
	require.Equal(t, map[string]interface{}{"nested": float64(1)}, entries[4][2])
}

func TestBuildPayloadTooLarge(t *testing.T) {
	mapper := newTestMapper(t, 64)

	_, err := mapper.BuildPayload("tok", []*Diff{{
		UNSPath:    "G/E/D/m",
		Properties: map[string]interface{}{"description": strings.Repeat("x", 200)},
	}})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Contains(t, err.Error(), "G.E.D.m")
}

func TestBuildPayloadRejectsEmptyInput(t *testing.T) {
	mapper := newTestMapper(t, 1_000_000)

	_, err := mapper.BuildPayload("", []*Diff{{UNSPath: "G/E/D/m", Properties: map[string]interface{}{"a": 1}}})
	require.Error(t, err)

	_, err = mapper.BuildPayload("tok", nil)
	require.Error(t, err)

	// diffs whose properties are all blank-keyed contribute nothing
	_, err = mapper.BuildPayload("tok", []*Diff{{UNSPath: "G/E/D/m", Properties: map[string]interface{}{"  ": 1}}})
	require.Error(t, err)
}
