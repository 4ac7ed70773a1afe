// Package sparkplug decodes Sparkplug B payloads from their protobuf wire
// encoding, including the compression wrapper convention, and parses the
// spBv1.0 topic namespace.
package sparkplug

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload is a decoded Sparkplug B payload.
type Payload struct {
	Timestamp uint64
	Metrics   []Metric
	Seq       uint64
	UUID      string
	Body      []byte
}

// Metric is a single metric within a payload. Alias zero means no alias was
// set on the wire; Sparkplug aliases are always positive.
type Metric struct {
	Name         string
	Alias        uint64
	Timestamp    uint64
	DataType     uint32
	IsHistorical bool
	IsTransient  bool
	IsNull       bool
	Properties   *PropertySet
	Value        Value
}

// ValueKind discriminates the oneof value carried by metrics, property
// values, and dataset elements.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindBoolean
	KindString
	KindBytes
	KindDataSet
	KindPropertySet
	KindPropertySetList
)

// Value holds one decoded oneof member. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind ValueKind

	Int             uint32
	Long            uint64
	Float           float32
	Double          float64
	Boolean         bool
	String          string
	Bytes           []byte
	DataSet         *DataSet
	PropertySet     *PropertySet
	PropertySetList *PropertySetList
}

// Any returns the value as a plain Go type suitable for JSON encoding.
// Datasets become a map with "columns" and "rows" keys.
func (v Value) Any() interface{} {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindLong:
		return v.Long
	case KindFloat:
		return v.Float
	case KindDouble:
		return v.Double
	case KindBoolean:
		return v.Boolean
	case KindString:
		return v.String
	case KindBytes:
		return v.Bytes
	case KindDataSet:
		if v.DataSet == nil {
			return nil
		}
		rows := make([][]interface{}, 0, len(v.DataSet.Rows))
		for _, row := range v.DataSet.Rows {
			elements := make([]interface{}, 0, len(row.Elements))
			for _, element := range row.Elements {
				elements = append(elements, element.Any())
			}
			rows = append(rows, elements)
		}
		return map[string]interface{}{
			"columns": v.DataSet.Columns,
			"rows":    rows,
		}
	case KindPropertySet:
		return FlattenProperties(v.PropertySet)
	case KindPropertySetList:
		if v.PropertySetList == nil {
			return nil
		}
		out := make([]map[string]interface{}, 0, len(v.PropertySetList.PropertySets))
		for i := range v.PropertySetList.PropertySets {
			out = append(out, FlattenProperties(&v.PropertySetList.PropertySets[i]))
		}
		return out
	default:
		return nil
	}
}

// PropertySet is a parallel key/value property container.
type PropertySet struct {
	Keys   []string
	Values []PropertyValue
}

// PropertyValue is one property value with its declared Sparkplug type.
type PropertyValue struct {
	Type   uint32
	IsNull bool
	Value  Value
}

// PropertySetList carries repeated property sets.
type PropertySetList struct {
	PropertySets []PropertySet
}

// DataSet is a columnar metric value.
type DataSet struct {
	NumColumns uint64
	Columns    []string
	Types      []uint32
	Rows       []DataSetRow
}

// DataSetRow holds the elements of one dataset row.
type DataSetRow struct {
	Elements []Value
}

func parseErr(section string, n int) error {
	return fmt.Errorf("sparkplug: malformed %s: %w", section, protowire.ParseError(n))
}

// DecodePayload parses the protobuf wire encoding of a Sparkplug B payload.
// It does not unwrap compression wrappers; use Decode for that.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("payload", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("payload timestamp", n)
			}
			p.Timestamp = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("payload metric", n)
			}
			m, err := decodeMetric(b)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, *m)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("payload seq", n)
			}
			p.Seq = v
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("payload uuid", n)
			}
			p.UUID = string(b)
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("payload body", n)
			}
			p.Body = append([]byte(nil), b...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, parseErr("payload field", n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func decodeMetric(data []byte) (*Metric, error) {
	m := &Metric{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("metric", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("metric name", n)
			}
			m.Name = string(b)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric alias", n)
			}
			m.Alias = v
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric timestamp", n)
			}
			m.Timestamp = v
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric datatype", n)
			}
			m.DataType = uint32(v)
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric is_historical", n)
			}
			m.IsHistorical = v != 0
			data = data[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric is_transient", n)
			}
			m.IsTransient = v != 0
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("metric is_null", n)
			}
			m.IsNull = v != 0
			data = data[n:]
		case num == 9 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("metric properties", n)
			}
			ps, err := decodePropertySet(b)
			if err != nil {
				return nil, err
			}
			m.Properties = ps
			data = data[n:]
		case num >= 10 && num <= 18:
			value, rest, err := decodeMetricValue(num, typ, data)
			if err != nil {
				return nil, err
			}
			m.Value = value
			data = rest
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, parseErr("metric field", n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

func decodeMetricValue(num protowire.Number, typ protowire.Type, data []byte) (Value, []byte, error) {
	switch {
	case num == 10 && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric int value", n)
		}
		return Value{Kind: KindInt, Int: uint32(v)}, data[n:], nil
	case num == 11 && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric long value", n)
		}
		return Value{Kind: KindLong, Long: v}, data[n:], nil
	case num == 12 && typ == protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric float value", n)
		}
		return Value{Kind: KindFloat, Float: math32(v)}, data[n:], nil
	case num == 13 && typ == protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric double value", n)
		}
		return Value{Kind: KindDouble, Double: math64(v)}, data[n:], nil
	case num == 14 && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric boolean value", n)
		}
		return Value{Kind: KindBoolean, Boolean: v != 0}, data[n:], nil
	case num == 15 && typ == protowire.BytesType:
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric string value", n)
		}
		return Value{Kind: KindString, String: string(b)}, data[n:], nil
	case num == 16 && typ == protowire.BytesType:
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric bytes value", n)
		}
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}, data[n:], nil
	case num == 17 && typ == protowire.BytesType:
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return Value{}, nil, parseErr("metric dataset value", n)
		}
		ds, err := decodeDataSet(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Value{Kind: KindDataSet, DataSet: ds}, data[n:], nil
	default:
		// Template values and extensions are not used by this pipeline.
		n := protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return Value{}, nil, parseErr("metric value", n)
		}
		return Value{}, data[n:], nil
	}
}

func decodePropertySet(data []byte) (*PropertySet, error) {
	ps := &PropertySet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("property set", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property key", n)
			}
			ps.Keys = append(ps.Keys, string(b))
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property value", n)
			}
			pv, err := decodePropertyValue(b)
			if err != nil {
				return nil, err
			}
			ps.Values = append(ps.Values, *pv)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, parseErr("property set field", n)
			}
			data = data[n:]
		}
	}
	return ps, nil
}

func decodePropertyValue(data []byte) (*PropertyValue, error) {
	pv := &PropertyValue{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("property value", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("property type", n)
			}
			pv.Type = uint32(v)
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("property is_null", n)
			}
			pv.IsNull = v != 0
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("property int value", n)
			}
			pv.Value = Value{Kind: KindInt, Int: uint32(v)}
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("property long value", n)
			}
			pv.Value = Value{Kind: KindLong, Long: v}
			data = data[n:]
		case num == 5 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, parseErr("property float value", n)
			}
			pv.Value = Value{Kind: KindFloat, Float: math32(v)}
			data = data[n:]
		case num == 6 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, parseErr("property double value", n)
			}
			pv.Value = Value{Kind: KindDouble, Double: math64(v)}
			data = data[n:]
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("property boolean value", n)
			}
			pv.Value = Value{Kind: KindBoolean, Boolean: v != 0}
			data = data[n:]
		case num == 8 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property string value", n)
			}
			pv.Value = Value{Kind: KindString, String: string(b)}
			data = data[n:]
		case num == 9 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property nested set", n)
			}
			nested, err := decodePropertySet(b)
			if err != nil {
				return nil, err
			}
			pv.Value = Value{Kind: KindPropertySet, PropertySet: nested}
			data = data[n:]
		case num == 10 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property set list", n)
			}
			list, err := decodePropertySetList(b)
			if err != nil {
				return nil, err
			}
			pv.Value = Value{Kind: KindPropertySetList, PropertySetList: list}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, parseErr("property value field", n)
			}
			data = data[n:]
		}
	}
	return pv, nil
}

func decodePropertySetList(data []byte) (*PropertySetList, error) {
	list := &PropertySetList{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("property set list", n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("property set list entry", n)
			}
			ps, err := decodePropertySet(b)
			if err != nil {
				return nil, err
			}
			list.PropertySets = append(list.PropertySets, *ps)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, parseErr("property set list field", n)
		}
		data = data[n:]
	}
	return list, nil
}

func decodeDataSet(data []byte) (*DataSet, error) {
	ds := &DataSet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("dataset", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("dataset columns count", n)
			}
			ds.NumColumns = v
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("dataset column", n)
			}
			ds.Columns = append(ds.Columns, string(b))
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, parseErr("dataset type", n)
			}
			ds.Types = append(ds.Types, uint32(v))
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			// Packed encoding of the repeated types field.
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("dataset types", n)
			}
			for len(b) > 0 {
				v, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return nil, parseErr("dataset packed type", n)
				}
				ds.Types = append(ds.Types, uint32(v))
				b = b[n:]
			}
			data = data[n:]
		case num == 4 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("dataset row", n)
			}
			row, err := decodeDataSetRow(b)
			if err != nil {
				return nil, err
			}
			ds.Rows = append(ds.Rows, *row)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, parseErr("dataset field", n)
			}
			data = data[n:]
		}
	}
	return ds, nil
}

func decodeDataSetRow(data []byte) (*DataSetRow, error) {
	row := &DataSetRow{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, parseErr("dataset row", n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, parseErr("dataset element", n)
			}
			element, err := decodeDataSetValue(b)
			if err != nil {
				return nil, err
			}
			row.Elements = append(row.Elements, element)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, parseErr("dataset row field", n)
		}
		data = data[n:]
	}
	return row, nil
}

func decodeDataSetValue(data []byte) (Value, error) {
	value := Value{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Value{}, parseErr("dataset value", n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Value{}, parseErr("dataset int value", n)
			}
			value = Value{Kind: KindInt, Int: uint32(v)}
			data = data[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Value{}, parseErr("dataset long value", n)
			}
			value = Value{Kind: KindLong, Long: v}
			data = data[n:]
		case num == 3 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return Value{}, parseErr("dataset float value", n)
			}
			value = Value{Kind: KindFloat, Float: math32(v)}
			data = data[n:]
		case num == 4 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Value{}, parseErr("dataset double value", n)
			}
			value = Value{Kind: KindDouble, Double: math64(v)}
			data = data[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Value{}, parseErr("dataset boolean value", n)
			}
			value = Value{Kind: KindBoolean, Boolean: v != 0}
			data = data[n:]
		case num == 6 && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Value{}, parseErr("dataset string value", n)
			}
			value = Value{Kind: KindString, String: string(b)}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Value{}, parseErr("dataset value field", n)
			}
			data = data[n:]
		}
	}
	return value, nil
}
