package metastore

import (
	"fmt"
	"strconv"
)

// propertyValueColumns holds the typed columns of a property row. Exactly
// one field is non-nil after coercion.
type propertyValueColumns struct {
	Int    *int32
	Long   *int64
	Float  *float32
	Double *float64
	String *string
	Bool   *bool
}

func (c propertyValueColumns) equalsRecord(rec PropertyRecord, typ string) bool {
	return rec.Type == typ &&
		int32PtrEqual(rec.ValueInt, c.Int) &&
		int64PtrEqual(rec.ValueLong, c.Long) &&
		float32PtrEqual(rec.ValueFloat, c.Float) &&
		float64PtrEqual(rec.ValueDouble, c.Double) &&
		stringPtrEqual(rec.ValueString, c.String) &&
		boolPtrEqual(rec.ValueBool, c.Bool)
}

// propertyColumns coerces a payload value into the single column matching
// its declared type. A nil value leaves every column NULL.
func propertyColumns(p PropertyPayload) (propertyValueColumns, error) {
	var cols propertyValueColumns
	if p.Value == nil {
		switch p.Type {
		case "int", "long", "float", "double", "string", "boolean":
			return cols, nil
		default:
			return cols, fmt.Errorf("%w: %q", ErrInvalidPropertyType, p.Type)
		}
	}

	switch p.Type {
	case "int":
		v, err := toInt64(p.Value)
		if err != nil {
			return cols, fmt.Errorf("metastore: property %q: %w", p.Key, err)
		}
		iv := int32(v)
		cols.Int = &iv
	case "long":
		v, err := toInt64(p.Value)
		if err != nil {
			return cols, fmt.Errorf("metastore: property %q: %w", p.Key, err)
		}
		cols.Long = &v
	case "float":
		v, err := toFloat64(p.Value)
		if err != nil {
			return cols, fmt.Errorf("metastore: property %q: %w", p.Key, err)
		}
		fv := float32(v)
		cols.Float = &fv
	case "double":
		v, err := toFloat64(p.Value)
		if err != nil {
			return cols, fmt.Errorf("metastore: property %q: %w", p.Key, err)
		}
		cols.Double = &v
	case "string":
		s := toString(p.Value)
		cols.String = &s
	case "boolean":
		b, err := toBool(p.Value)
		if err != nil {
			return cols, fmt.Errorf("metastore: property %q: %w", p.Key, err)
		}
		cols.Bool = &b
	default:
		return cols, fmt.Errorf("%w: %q", ErrInvalidPropertyType, p.Type)
	}
	return cols, nil
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to float", v)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	default:
		return false, fmt.Errorf("cannot coerce %T to boolean", v)
	}
}

func int32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func float32PtrEqual(a, b *float32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
