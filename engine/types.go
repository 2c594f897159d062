package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// ArrowTypeString serializes an Arrow DataType to the canonical catalog
// storage string. This is the exact inverse of ParseArrowType — only types
// that round-trip through ParseArrowType are valid inputs.
func ArrowTypeString(dt arrow.DataType) string {
	switch t := dt.(type) {
	case *arrow.Int8Type:
		return "Int8"
	case *arrow.Int16Type:
		return "Int16"
	case *arrow.Int32Type:
		return "Int32"
	case *arrow.Int64Type:
		return "Int64"
	case *arrow.Uint32Type:
		return "UInt32"
	case *arrow.Float32Type:
		return "Float32"
	case *arrow.Float64Type:
		return "Float64"
	case *arrow.BooleanType:
		return "Boolean"
	case *arrow.StringType:
		return "Utf8"
	case *arrow.BinaryType:
		return "Binary"
	case *arrow.Date32Type:
		return "Date32"
	case *arrow.Time64Type:
		if t.Unit == arrow.Nanosecond {
			return "Time64(Nanosecond)"
		}
	case *arrow.Decimal128Type:
		return fmt.Sprintf("Decimal128(%d,%d)", t.Precision, t.Scale)
	case *arrow.TimestampType:
		unit := "Nanosecond"
		if t.Unit == arrow.Microsecond {
			unit = "Microsecond"
		}
		if t.TimeZone == "" {
			return fmt.Sprintf("Timestamp(%s,None)", unit)
		}
		return fmt.Sprintf("Timestamp(%s,Some(%q))", unit, t.TimeZone)
	case *arrow.ListType:
		return fmt.Sprintf("List<%s>", ArrowTypeString(t.Elem()))
	}
	return dt.String()
}

// ParseArrowType parses a stored arrow_type string back into an Arrow
// DataType. Returns false for unsupported or unrecognized strings.
func ParseArrowType(s string) (arrow.DataType, bool) {
	switch s {
	case "Int8":
		return arrow.PrimitiveTypes.Int8, true
	case "Int16":
		return arrow.PrimitiveTypes.Int16, true
	case "Int32":
		return arrow.PrimitiveTypes.Int32, true
	case "Int64":
		return arrow.PrimitiveTypes.Int64, true
	case "UInt32":
		return arrow.PrimitiveTypes.Uint32, true
	case "Float32":
		return arrow.PrimitiveTypes.Float32, true
	case "Float64":
		return arrow.PrimitiveTypes.Float64, true
	case "Boolean":
		return arrow.FixedWidthTypes.Boolean, true
	case "Utf8":
		return arrow.BinaryTypes.String, true
	case "Binary":
		return arrow.BinaryTypes.Binary, true
	case "Date32":
		return arrow.FixedWidthTypes.Date32, true
	case "Time64(Nanosecond)":
		return &arrow.Time64Type{Unit: arrow.Nanosecond}, true
	}

	if inner, ok := strings.CutPrefix(s, "List<"); ok && strings.HasSuffix(inner, ">") {
		elem, ok := ParseArrowType(strings.TrimSuffix(inner, ">"))
		if !ok {
			return nil, false
		}
		return arrow.ListOf(elem), true
	}

	if inner, ok := cutWrapped(s, "Decimal128(", ")"); ok {
		p, scale, ok := splitTwoInts(inner)
		if !ok {
			return nil, false
		}
		return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(scale)}, true
	}

	if inner, ok := cutWrapped(s, "Timestamp(", ")"); ok {
		unitStr, tzStr, found := strings.Cut(inner, ",")
		if !found {
			return nil, false
		}
		var unit arrow.TimeUnit
		switch unitStr {
		case "Nanosecond":
			unit = arrow.Nanosecond
		case "Microsecond":
			unit = arrow.Microsecond
		default:
			return nil, false
		}
		if tzStr == "None" {
			return &arrow.TimestampType{Unit: unit}, true
		}
		if tz, ok := cutWrapped(tzStr, `Some("`, `")`); ok {
			return &arrow.TimestampType{Unit: unit, TimeZone: tz}, true
		}
		return nil, false
	}

	return nil, false
}

func cutWrapped(s, prefix, suffix string) (string, bool) {
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) && len(s) >= len(prefix)+len(suffix) {
		return s[len(prefix) : len(s)-len(suffix)], true
	}
	return "", false
}

func splitTwoInts(s string) (int, int, bool) {
	a, b, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(a))
	y, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return x, y, true
}
