package sparkplug

// dataTypeNames maps the Sparkplug B DataType enum to its canonical name.
var dataTypeNames = map[uint32]string{
	1:  "Int8",
	2:  "Int16",
	3:  "Int32",
	4:  "Int64",
	5:  "UInt8",
	6:  "UInt16",
	7:  "UInt32",
	8:  "UInt64",
	9:  "Float",
	10: "Double",
	11: "Boolean",
	12: "String",
	13: "DateTime",
	14: "Text",
	15: "UUID",
	16: "DataSet",
	17: "Bytes",
	18: "File",
	19: "Template",
}

// DataTypeName returns the canonical name for a Sparkplug datatype code.
// Unknown codes, including the unset zero value, return ok=false; callers
// skip such metrics rather than persisting an unknown type.
func DataTypeName(code uint32) (string, bool) {
	name, ok := dataTypeNames[code]
	return name, ok
}
