package codec

import (
	"encoding/binary"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// encodeBinary renders one non-null cell in the PostgreSQL binary format.
// Returns ok=false for types without a binary encoding (numeric, lists and
// any OID not handled below); the caller then falls back to the text
// encoding for that cell.
func encodeBinary(col arrow.Array, i int, oid int32) ([]byte, bool) {
	switch oid {
	case OidBool:
		if a, ok := col.(*array.Boolean); ok {
			if a.Value(i) {
				return []byte{1}, true
			}
			return []byte{0}, true
		}
	case OidInt2:
		switch a := col.(type) {
		case *array.Int16:
			return be16(uint16(a.Value(i))), true
		case *array.Int8:
			return be16(uint16(int16(a.Value(i)))), true
		}
	case OidInt4:
		if a, ok := col.(*array.Int32); ok {
			return be32(uint32(a.Value(i))), true
		}
	case OidOid:
		if a, ok := col.(*array.Uint32); ok {
			return be32(a.Value(i)), true
		}
	case OidInt8:
		if a, ok := col.(*array.Int64); ok {
			return be64(uint64(a.Value(i))), true
		}
	case OidFloat4:
		if a, ok := col.(*array.Float32); ok {
			return be32(math.Float32bits(a.Value(i))), true
		}
	case OidFloat8:
		if a, ok := col.(*array.Float64); ok {
			return be64(math.Float64bits(a.Value(i))), true
		}
	case OidDate:
		if a, ok := col.(*array.Date32); ok {
			return be32(uint32(int32(a.Value(i)) - pgEpochDays)), true
		}
	case OidTimestamp, OidTimestamptz:
		if a, ok := col.(*array.Timestamp); ok {
			t := a.DataType().(*arrow.TimestampType)
			micros := a.Value(i).ToTime(t.Unit).UnixMicro() - pgEpochMicros
			return be64(uint64(micros)), true
		}
	case OidTime:
		if a, ok := col.(*array.Time64); ok {
			t := a.DataType().(*arrow.Time64Type)
			var micros int64
			if t.Unit == arrow.Nanosecond {
				micros = int64(a.Value(i)) / 1000
			} else {
				micros = int64(a.Value(i))
			}
			return be64(uint64(micros)), true
		}
	case OidBytea:
		if a, ok := col.(*array.Binary); ok {
			return a.Value(i), true
		}
	case OidText, OidVarchar:
		if a, ok := col.(*array.String); ok {
			return []byte(a.Value(i)), true
		}
	}
	return nil, false
}

func be16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func be64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
