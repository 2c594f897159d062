package codec

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestOIDForType(t *testing.T) {
	cases := []struct {
		dt   arrow.DataType
		want int32
	}{
		{arrow.FixedWidthTypes.Boolean, OidBool},
		{arrow.PrimitiveTypes.Int16, OidInt2},
		{arrow.PrimitiveTypes.Int32, OidInt4},
		{arrow.PrimitiveTypes.Int64, OidInt8},
		{arrow.PrimitiveTypes.Float32, OidFloat4},
		{arrow.PrimitiveTypes.Float64, OidFloat8},
		{arrow.BinaryTypes.String, OidText},
		{arrow.BinaryTypes.Binary, OidBytea},
		{arrow.FixedWidthTypes.Date32, OidDate},
		{&arrow.TimestampType{Unit: arrow.Nanosecond}, OidTimestamp},
		{&arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}, OidTimestamptz},
		{&arrow.Decimal128Type{Precision: 38, Scale: 20}, OidNumeric},
		{arrow.ListOf(arrow.BinaryTypes.String), OidTextArray},
	}
	for _, tc := range cases {
		if got := OIDForType(tc.dt); got != tc.want {
			t.Errorf("OIDForType(%v) = %d, want %d", tc.dt, got, tc.want)
		}
	}
}

func buildTestRecord(t *testing.T) (arrow.RecordBatch, *arrow.Schema) {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "active", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
		{Name: "total", Type: &arrow.Decimal128Type{Precision: 38, Scale: 2}, Nullable: true},
		{Name: "created", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).Append(42)
	b.Field(1).(*array.StringBuilder).Append("alice")
	b.Field(2).(*array.BooleanBuilder).Append(true)
	b.Field(3).(*array.Decimal128Builder).Append(decimal128.FromI64(123456)) // 1234.56 at scale 2
	ts, _ := time.Parse("2006-01-02 15:04:05", "2024-03-01 12:30:45")
	b.Field(4).(*array.TimestampBuilder).AppendTime(ts)

	b.Field(0).(*array.Int64Builder).AppendNull()
	b.Field(1).(*array.StringBuilder).AppendNull()
	b.Field(2).(*array.BooleanBuilder).Append(false)
	b.Field(3).(*array.Decimal128Builder).AppendNull()
	b.Field(4).(*array.TimestampBuilder).AppendNull()

	return b.NewRecordBatch(), schema
}

func TestEncodeBatchText(t *testing.T) {
	rec, schema := buildTestRecord(t)
	defer rec.Release()

	fields := FieldsFromSchema(schema, nil)
	rows, err := EncodeBatch(rec, fields)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	want := []string{"42", "alice", "t", "1234.56", "2024-03-01 12:30:45"}
	for i, cell := range rows[0] {
		if string(cell) != want[i] {
			t.Errorf("row 0 col %d = %q, want %q", i, cell, want[i])
		}
	}

	if rows[1][0] != nil || rows[1][1] != nil || rows[1][3] != nil {
		t.Error("null cells must encode as nil")
	}
	if string(rows[1][2]) != "f" {
		t.Errorf("bool false = %q", rows[1][2])
	}
}

func TestEncodeBatchBinary(t *testing.T) {
	rec, schema := buildTestRecord(t)
	defer rec.Release()

	// Single format code applies to every column.
	fields := FieldsFromSchema(schema, []int16{1})
	rows, err := EncodeBatch(rec, fields)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}

	if got := binary.BigEndian.Uint64(rows[0][0]); got != 42 {
		t.Errorf("binary int8 = %d", got)
	}
	// Text OIDs encode in binary as their raw UTF-8 bytes.
	if string(rows[0][1]) != "alice" {
		t.Errorf("binary text = %q", rows[0][1])
	}
	if rows[0][2][0] != 1 {
		t.Errorf("binary bool = %v", rows[0][2])
	}
	// Numeric has no binary encoder; the text fallback is used.
	if string(rows[0][3]) != "1234.56" {
		t.Errorf("numeric fallback = %q", rows[0][3])
	}

	// Binary timestamp: microseconds since 2000-01-01.
	ts, _ := time.Parse("2006-01-02 15:04:05", "2024-03-01 12:30:45")
	wantMicros := ts.UnixMicro() - pgEpochMicros
	if got := int64(binary.BigEndian.Uint64(rows[0][4])); got != wantMicros {
		t.Errorf("binary timestamp = %d, want %d", got, wantMicros)
	}
}

func TestFieldsFromSchemaFormats(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int32},
		{Name: "b", Type: arrow.BinaryTypes.String},
	}, nil)

	fields := FieldsFromSchema(schema, nil)
	if fields[0].Format != 0 || fields[1].Format != 0 {
		t.Error("nil formats must mean all-text")
	}

	fields = FieldsFromSchema(schema, []int16{0, 1})
	if fields[0].Format != 0 || fields[1].Format != 1 {
		t.Error("per-column formats not applied")
	}

	if fields[0].OID != OidInt4 || fields[0].Size != 4 {
		t.Errorf("field a: oid=%d size=%d", fields[0].OID, fields[0].Size)
	}
	if fields[1].Size != -1 {
		t.Errorf("variable-width size = %d", fields[1].Size)
	}
}

func TestEncodeDateText(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "d", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	day, _ := time.Parse("2006-01-02", "2024-02-29")
	b.Field(0).(*array.Date32Builder).Append(arrow.Date32FromTime(day))
	rec := b.NewRecordBatch()
	defer rec.Release()

	rows, err := EncodeBatch(rec, FieldsFromSchema(schema, nil))
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if string(rows[0][0]) != "2024-02-29" {
		t.Errorf("date text = %q", rows[0][0])
	}
}

func TestEncodeListText(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String), Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	lb := b.Field(0).(*array.ListBuilder)
	vb := lb.ValueBuilder().(*array.StringBuilder)
	lb.Append(true)
	vb.Append("a")
	vb.Append("b c")
	rec := b.NewRecordBatch()
	defer rec.Release()

	rows, err := EncodeBatch(rec, FieldsFromSchema(schema, nil))
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if string(rows[0][0]) != `{a,"b c"}` {
		t.Errorf("array text = %q", rows[0][0])
	}
}
