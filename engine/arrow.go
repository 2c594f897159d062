package engine

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// defaultBatchSize is the number of rows per Arrow record batch on the
// result stream.
const defaultBatchSize = 1024

// schemaForFields maps upstream result field descriptions to the Arrow
// schema the executor materializes. Expression columns whose OID has no
// Arrow representation degrade to Utf8 (text rendering).
func schemaForFields(fields []pgconn.FieldDescription) *arrow.Schema {
	arrowFields := make([]arrow.Field, 0, len(fields))
	for _, fd := range fields {
		dt := ArrowTypeForOID(fd.DataTypeOID)
		if dt == nil {
			dt = arrow.BinaryTypes.String
		}
		arrowFields = append(arrowFields, arrow.Field{Name: fd.Name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(arrowFields, nil)
}

// rowsToRecord drains up to batchSize rows into an Arrow record batch.
// Returns nil when the cursor is exhausted.
func rowsToRecord(alloc memory.Allocator, rows pgx.Rows, schema *arrow.Schema, batchSize int) (arrow.RecordBatch, error) {
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	count := 0
	for count < batchSize && rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for i, val := range values {
			if i >= schema.NumFields() {
				break
			}
			appendValue(builder.Field(i), val)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return builder.NewRecordBatch(), nil
}

// appendValue appends one pgx-decoded value to an Arrow column builder.
func appendValue(builder array.Builder, val any) {
	if val == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		switch v := val.(type) {
		case int64:
			b.Append(v)
		case int32:
			b.Append(int64(v))
		case int:
			b.Append(int64(v))
		default:
			b.AppendNull()
		}
	case *array.Int32Builder:
		switch v := val.(type) {
		case int32:
			b.Append(v)
		case int64:
			b.Append(int32(v))
		case int:
			b.Append(int32(v))
		default:
			b.AppendNull()
		}
	case *array.Int16Builder:
		switch v := val.(type) {
		case int16:
			b.Append(v)
		case int32:
			b.Append(int16(v))
		case int64:
			b.Append(int16(v))
		default:
			b.AppendNull()
		}
	case *array.Int8Builder:
		switch v := val.(type) {
		case int8:
			b.Append(v)
		case int16:
			b.Append(int8(v))
		default:
			b.AppendNull()
		}
	case *array.Uint32Builder:
		switch v := val.(type) {
		case uint32:
			b.Append(v)
		case int64:
			b.Append(uint32(v))
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := val.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}
	case *array.Float32Builder:
		switch v := val.(type) {
		case float32:
			b.Append(v)
		case float64:
			b.Append(float32(v))
		default:
			b.AppendNull()
		}
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	case *array.Date32Builder:
		switch v := val.(type) {
		case time.Time:
			// Floor division so pre-epoch dates land on the right day.
			unix := v.Unix()
			days := unix / 86400
			if unix%86400 < 0 {
				days--
			}
			b.Append(arrow.Date32(days))
		default:
			b.AppendNull()
		}
	case *array.TimestampBuilder:
		switch v := val.(type) {
		case time.Time:
			b.AppendTime(v)
		default:
			b.AppendNull()
		}
	case *array.Time64Builder:
		switch v := val.(type) {
		case pgtype.Time:
			b.Append(arrow.Time64(v.Microseconds * 1000))
		case time.Time:
			nanos := int64(v.Hour())*3600_000_000_000 + int64(v.Minute())*60_000_000_000 +
				int64(v.Second())*1_000_000_000 + int64(v.Nanosecond())
			b.Append(arrow.Time64(nanos))
		default:
			b.AppendNull()
		}
	case *array.Decimal128Builder:
		switch v := val.(type) {
		case pgtype.Numeric:
			if num, ok := numericToDecimal128(v, b.Type().(*arrow.Decimal128Type).Scale); ok {
				b.Append(num)
			} else {
				b.AppendNull()
			}
		case *big.Int:
			b.Append(decimal128.FromBigInt(v))
		case int64:
			scale := b.Type().(*arrow.Decimal128Type).Scale
			scaled := new(big.Int).Mul(big.NewInt(v),
				new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil))
			b.Append(decimal128.FromBigInt(scaled))
		default:
			b.AppendNull()
		}
	case *array.ListBuilder:
		switch v := val.(type) {
		case []any:
			b.Append(true)
			vb := b.ValueBuilder()
			for _, elem := range v {
				appendValue(vb, elem)
			}
		default:
			b.AppendNull()
		}
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case [16]byte:
			// pgx decodes uuid columns to [16]byte.
			s := hex.EncodeToString(v[:])
			b.Append(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32])
		case []byte:
			b.Append(string(v))
		case time.Time:
			b.Append(v.Format(time.RFC3339Nano))
		default:
			b.Append(fmt.Sprintf("%v", v))
		}
	case *array.BinaryBuilder:
		switch v := val.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}
	default:
		builder.AppendNull()
	}
}

// numericToDecimal128 rescales a pgtype.Numeric to the target Arrow scale.
func numericToDecimal128(n pgtype.Numeric, scale int32) (decimal128.Num, bool) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return decimal128.Num{}, false
	}
	// Value = Int * 10^Exp; rescale to Int * 10^-scale.
	shift := int64(n.Exp) + int64(scale)
	v := new(big.Int).Set(n.Int)
	switch {
	case shift > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	case shift < 0:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	}
	if v.BitLen() > 127 {
		return decimal128.Num{}, false
	}
	return decimal128.FromBigInt(v), true
}
