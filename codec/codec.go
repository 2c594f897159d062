// Package codec encodes Arrow record batches into the PostgreSQL row wire
// format and maps Arrow types to Postgres type OIDs.
package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// PostgreSQL type OIDs
const (
	OidBool        int32 = 16
	OidBytea       int32 = 17
	OidInt8        int32 = 20 // bigint
	OidInt2        int32 = 21 // smallint
	OidInt4        int32 = 23 // integer
	OidText        int32 = 25
	OidOid         int32 = 26
	OidFloat4      int32 = 700 // real
	OidFloat8      int32 = 701 // double precision
	OidVarchar     int32 = 1043
	OidDate        int32 = 1082
	OidTime        int32 = 1083
	OidTimestamp   int32 = 1114
	OidTimestamptz int32 = 1184
	OidNumeric     int32 = 1700
	OidTextArray   int32 = 1009
)

// Field describes one result column on the wire.
type Field struct {
	Name   string
	OID    int32
	Size   int16 // -1 for variable length
	Format int16 // 0 = text, 1 = binary
}

// OIDForType maps an Arrow type to the PostgreSQL OID clients see in
// RowDescription.
func OIDForType(dt arrow.DataType) int32 {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return OidBool
	case *arrow.Int8Type, *arrow.Int16Type:
		return OidInt2
	case *arrow.Int32Type:
		return OidInt4
	case *arrow.Int64Type:
		return OidInt8
	case *arrow.Uint32Type:
		return OidOid
	case *arrow.Float32Type:
		return OidFloat4
	case *arrow.Float64Type:
		return OidFloat8
	case *arrow.StringType:
		return OidText
	case *arrow.BinaryType:
		return OidBytea
	case *arrow.Date32Type:
		return OidDate
	case *arrow.Time64Type:
		return OidTime
	case *arrow.TimestampType:
		if t.TimeZone != "" {
			return OidTimestamptz
		}
		return OidTimestamp
	case *arrow.Decimal128Type:
		return OidNumeric
	case *arrow.ListType:
		return OidTextArray
	}
	return OidText
}

// SizeForOID returns the fixed wire size of a type, or -1 when variable.
func SizeForOID(oid int32) int16 {
	switch oid {
	case OidBool:
		return 1
	case OidInt2:
		return 2
	case OidInt4, OidFloat4, OidDate, OidOid:
		return 4
	case OidInt8, OidFloat8, OidTime, OidTimestamp, OidTimestamptz:
		return 8
	default:
		return -1
	}
}

// FieldsFromSchema builds wire field descriptors for a result schema with
// the given per-column format codes (pg Bind semantics: nil or empty means
// all text, a single code applies to every column).
func FieldsFromSchema(schema *arrow.Schema, formats []int16) []Field {
	fields := make([]Field, schema.NumFields())
	for i, f := range schema.Fields() {
		oid := OIDForType(f.Type)
		fields[i] = Field{
			Name:   f.Name,
			OID:    oid,
			Size:   SizeForOID(oid),
			Format: resolveFormat(formats, i),
		}
	}
	return fields
}

func resolveFormat(formats []int16, col int) int16 {
	switch {
	case len(formats) == 0:
		return 0
	case len(formats) == 1:
		return formats[0]
	case col < len(formats):
		return formats[col]
	default:
		return 0
	}
}

// EncodeBatch renders every row of a record batch into per-column cell
// payloads (nil payload = SQL NULL). Row order is preserved.
func EncodeBatch(rec arrow.RecordBatch, fields []Field) ([][][]byte, error) {
	nCols := int(rec.NumCols())
	if nCols != len(fields) {
		return nil, fmt.Errorf("encode: %d columns, %d field descriptors", nCols, len(fields))
	}

	rows := make([][][]byte, rec.NumRows())
	for r := range rows {
		rows[r] = make([][]byte, nCols)
	}

	for c := 0; c < nCols; c++ {
		col := rec.Column(c)
		for r := 0; r < int(rec.NumRows()); r++ {
			if col.IsNull(r) {
				continue
			}
			var cell []byte
			if fields[c].Format == 1 {
				if enc, ok := encodeBinary(col, r, fields[c].OID); ok {
					cell = enc
				} else {
					cell = formatText(col, r)
				}
			} else {
				cell = formatText(col, r)
			}
			rows[r][c] = cell
		}
	}
	return rows, nil
}

// formatText renders one non-null cell in the PostgreSQL text format.
func formatText(col arrow.Array, i int) []byte {
	switch a := col.(type) {
	case *array.String:
		return []byte(a.Value(i))
	case *array.Boolean:
		if a.Value(i) {
			return []byte("t")
		}
		return []byte("f")
	case *array.Int8:
		return strconv.AppendInt(nil, int64(a.Value(i)), 10)
	case *array.Int16:
		return strconv.AppendInt(nil, int64(a.Value(i)), 10)
	case *array.Int32:
		return strconv.AppendInt(nil, int64(a.Value(i)), 10)
	case *array.Int64:
		return strconv.AppendInt(nil, a.Value(i), 10)
	case *array.Uint32:
		return strconv.AppendUint(nil, uint64(a.Value(i)), 10)
	case *array.Float32:
		return strconv.AppendFloat(nil, float64(a.Value(i)), 'g', -1, 32)
	case *array.Float64:
		return strconv.AppendFloat(nil, a.Value(i), 'g', -1, 64)
	case *array.Date32:
		return []byte(a.Value(i).ToTime().Format("2006-01-02"))
	case *array.Time64:
		t := a.DataType().(*arrow.Time64Type)
		return []byte(a.Value(i).ToTime(t.Unit).Format("15:04:05.999999"))
	case *array.Timestamp:
		t := a.DataType().(*arrow.TimestampType)
		tm := a.Value(i).ToTime(t.Unit)
		if t.TimeZone != "" {
			return []byte(tm.UTC().Format("2006-01-02 15:04:05.999999-07"))
		}
		return []byte(tm.Format("2006-01-02 15:04:05.999999"))
	case *array.Decimal128:
		t := a.DataType().(*arrow.Decimal128Type)
		return []byte(a.Value(i).ToString(t.Scale))
	case *array.Binary:
		return []byte(`\x` + hex.EncodeToString(a.Value(i)))
	case *array.List:
		return formatTextArray(a, i)
	}
	return []byte(fmt.Sprintf("%v", col.ValueStr(i)))
}

// formatTextArray renders a list value in the `{a,b,c}` array text form.
func formatTextArray(a *array.List, i int) []byte {
	start, end := a.ValueOffsets(i)
	values := a.ListValues()

	var b strings.Builder
	b.WriteByte('{')
	for idx := start; idx < end; idx++ {
		if idx > start {
			b.WriteByte(',')
		}
		if values.IsNull(int(idx)) {
			b.WriteString("NULL")
			continue
		}
		elem := string(formatText(values, int(idx)))
		if strings.ContainsAny(elem, `,"{} `) || elem == "" {
			elem = `"` + strings.ReplaceAll(strings.ReplaceAll(elem, `\`, `\\`), `"`, `\"`) + `"`
		}
		b.WriteString(elem)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// Offset between the Unix and PostgreSQL (2000-01-01) epochs.
const (
	pgEpochDays   = 10957
	pgEpochMicros = pgEpochDays * 24 * 60 * 60 * 1000000
)
