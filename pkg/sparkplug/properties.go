package sparkplug

// FlattenProperties converts a property set into a plain map. Nested
// property sets recurse into maps and property set lists into slices, so the
// result round-trips through JSON.
func FlattenProperties(ps *PropertySet) map[string]interface{} {
	result := map[string]interface{}{}
	if ps == nil {
		return result
	}
	n := len(ps.Keys)
	if len(ps.Values) < n {
		n = len(ps.Values)
	}
	for i := 0; i < n; i++ {
		value := ps.Values[i]
		if value.IsNull || value.Value.Kind == KindNone {
			result[ps.Keys[i]] = nil
			continue
		}
		result[ps.Keys[i]] = value.Value.Any()
	}
	return result
}
