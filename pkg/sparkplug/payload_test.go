package sparkplug

import (
	"bytes"
	"math"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// wire encoding helpers used to build test payloads.

func varintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func stringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func bytesField(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func fixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func fixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func doubleMetric(name string, alias uint64, datatype uint32, value float64) []byte {
	var m []byte
	m = stringField(m, 1, name)
	if alias > 0 {
		m = varintField(m, 2, alias)
	}
	m = varintField(m, 3, 1700000000000)
	m = varintField(m, 4, uint64(datatype))
	return fixed64Field(m, 13, math.Float64bits(value))
}

func TestDecodePayloadBasics(t *testing.T) {
	var payload []byte
	payload = varintField(payload, 1, 1700000000123)
	payload = bytesField(payload, 2, doubleMetric("kiln.temp", 7, 10, 812.5))
	payload = varintField(payload, 3, 42)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000123), decoded.Timestamp)
	require.Equal(t, uint64(42), decoded.Seq)
	require.Len(t, decoded.Metrics, 1)

	m := decoded.Metrics[0]
	require.Equal(t, "kiln.temp", m.Name)
	require.Equal(t, uint64(7), m.Alias)
	require.Equal(t, uint32(10), m.DataType)
	require.Equal(t, KindDouble, m.Value.Kind)
	require.Equal(t, 812.5, m.Value.Double)
}

func TestDecodePayloadValueKinds(t *testing.T) {
	var intMetric []byte
	intMetric = stringField(intMetric, 1, "count")
	intMetric = varintField(intMetric, 10, 19)

	var boolMetric []byte
	boolMetric = stringField(boolMetric, 1, "running")
	boolMetric = varintField(boolMetric, 14, 1)

	var stringMetric []byte
	stringMetric = stringField(stringMetric, 1, "state")
	stringMetric = stringField(stringMetric, 15, "RUNNING")

	var floatMetric []byte
	floatMetric = stringField(floatMetric, 1, "flow")
	floatMetric = fixed32Field(floatMetric, 12, math.Float32bits(1.5))

	var payload []byte
	for _, m := range [][]byte{intMetric, boolMetric, stringMetric, floatMetric} {
		payload = bytesField(payload, 2, m)
	}

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded.Metrics, 4)
	require.Equal(t, uint32(19), decoded.Metrics[0].Value.Int)
	require.True(t, decoded.Metrics[1].Value.Boolean)
	require.Equal(t, "RUNNING", decoded.Metrics[2].Value.String)
	require.Equal(t, float32(1.5), decoded.Metrics[3].Value.Float)
}

func TestDecodePayloadProperties(t *testing.T) {
	var unitValue []byte
	unitValue = varintField(unitValue, 1, 12)
	unitValue = stringField(unitValue, 8, "degC")

	var nested []byte
	nested = stringField(nested, 1, "high")
	var highValue []byte
	highValue = fixed64Field(highValue, 6, math.Float64bits(900))
	nested = bytesField(nested, 2, highValue)

	var limitsValue []byte
	limitsValue = bytesField(limitsValue, 9, nested)

	var props []byte
	props = stringField(props, 1, "engUnit")
	props = bytesField(props, 2, unitValue)
	props = stringField(props, 1, "limits")
	props = bytesField(props, 2, limitsValue)

	var metric []byte
	metric = stringField(metric, 1, "kiln.temp")
	metric = bytesField(metric, 9, props)

	var payload []byte
	payload = bytesField(payload, 2, metric)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded.Metrics, 1)

	flat := FlattenProperties(decoded.Metrics[0].Properties)
	require.Equal(t, "degC", flat["engUnit"])
	require.Equal(t, map[string]interface{}{"high": 900.0}, flat["limits"])
}

func TestDecodePayloadDataSet(t *testing.T) {
	var element1 []byte
	element1 = stringField(element1, 6, "L1")
	var element2 []byte
	element2 = varintField(element2, 2, 250)

	var row []byte
	row = bytesField(row, 1, element1)
	row = bytesField(row, 1, element2)

	var ds []byte
	ds = varintField(ds, 1, 2)
	ds = stringField(ds, 2, "line")
	ds = stringField(ds, 2, "speed")
	ds = varintField(ds, 3, 12)
	ds = varintField(ds, 3, 8)
	ds = bytesField(ds, 4, row)

	var metric []byte
	metric = stringField(metric, 1, "lines")
	metric = bytesField(metric, 17, ds)

	var payload []byte
	payload = bytesField(payload, 2, metric)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded.Metrics, 1)

	value := decoded.Metrics[0].Value
	require.Equal(t, KindDataSet, value.Kind)
	require.Equal(t, []string{"line", "speed"}, value.DataSet.Columns)
	require.Equal(t, []uint32{12, 8}, value.DataSet.Types)

	any := value.Any().(map[string]interface{})
	rows := any["rows"].([][]interface{})
	require.Len(t, rows, 1)
	require.Equal(t, "L1", rows[0][0])
	require.Equal(t, uint64(250), rows[0][1])
}

func TestDecodeUnwrapsGzipWrapper(t *testing.T) {
	var inner []byte
	inner = bytesField(inner, 2, doubleMetric("kiln.temp", 7, 10, 812.5))

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write(inner)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	var outer []byte
	outer = stringField(outer, 4, "SPBV1.0_COMPRESSED")
	outer = bytesField(outer, 5, compressed.Bytes())

	decoded, err := Decode(outer)
	require.NoError(t, err)
	require.Len(t, decoded.Metrics, 1)
	require.Equal(t, "kiln.temp", decoded.Metrics[0].Name)
	require.Equal(t, 812.5, decoded.Metrics[0].Value.Double)
}

func TestDecodeFallsBackToZlib(t *testing.T) {
	var inner []byte
	inner = bytesField(inner, 2, doubleMetric("kiln.temp", 0, 10, 99.25))

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, err := zw.Write(inner)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var marker []byte
	marker = stringField(marker, 1, "algorithm")
	marker = stringField(marker, 15, "GZIP")

	var outer []byte
	outer = bytesField(outer, 2, marker)
	outer = bytesField(outer, 5, compressed.Bytes())

	decoded, err := Decode(outer)
	require.NoError(t, err)
	require.Len(t, decoded.Metrics, 1)
	require.Equal(t, 99.25, decoded.Metrics[0].Value.Double)
}

func TestDecodeEmptyWrapperBodyFails(t *testing.T) {
	var outer []byte
	outer = stringField(outer, 4, "SPBV1.0_COMPRESSED")

	_, err := Decode(outer)
	require.ErrorIs(t, err, ErrCompression)
}

func TestDecodeCorruptWrapperBodyFails(t *testing.T) {
	var outer []byte
	outer = stringField(outer, 4, "SPBV1.0_COMPRESSED")
	outer = bytesField(outer, 5, []byte("not compressed at all"))

	_, err := Decode(outer)
	require.ErrorIs(t, err, ErrCompression)
}

func TestDecodePlainPayloadPassesThrough(t *testing.T) {
	var payload []byte
	payload = varintField(payload, 1, 123)
	payload = bytesField(payload, 2, doubleMetric("temp", 0, 10, 1.0))

	decoded, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(123), decoded.Timestamp)
}
