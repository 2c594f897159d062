package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is the subset of pgx connections the schema resolver needs.
// Both *pgxpool.Pool and *pgx.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ArrowTypeForOID maps an upstream Postgres type OID to the Arrow type the
// executor produces for values of that type. Returns nil for types the
// engine cannot represent (jsonb, regclass, ...); such columns are
// persisted with a NULL arrow_type and excluded from the engine schema.
func ArrowTypeForOID(oid uint32) arrow.DataType {
	switch oid {
	case pgtype.BoolOID:
		return arrow.FixedWidthTypes.Boolean
	case pgtype.Int2OID:
		return arrow.PrimitiveTypes.Int16
	case pgtype.Int4OID:
		return arrow.PrimitiveTypes.Int32
	case pgtype.Int8OID:
		return arrow.PrimitiveTypes.Int64
	case pgtype.OIDOID:
		return arrow.PrimitiveTypes.Uint32
	case pgtype.Float4OID:
		return arrow.PrimitiveTypes.Float32
	case pgtype.Float8OID:
		return arrow.PrimitiveTypes.Float64
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID, pgtype.UUIDOID:
		return arrow.BinaryTypes.String
	case pgtype.ByteaOID:
		return arrow.BinaryTypes.Binary
	case pgtype.DateOID:
		return arrow.FixedWidthTypes.Date32
	case pgtype.TimeOID:
		return &arrow.Time64Type{Unit: arrow.Nanosecond}
	case pgtype.TimestampOID:
		return &arrow.TimestampType{Unit: arrow.Nanosecond}
	case pgtype.TimestamptzOID:
		return &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}
	case pgtype.NumericOID:
		// Matches the executor's decimal materialization.
		return &arrow.Decimal128Type{Precision: 38, Scale: 20}
	}
	return nil
}

// ResolvedColumn is one column of an upstream table as seen by the engine's
// own schema resolver. Type is nil when the engine cannot represent it.
type ResolvedColumn struct {
	Name string
	Type arrow.DataType
}

// ResolveColumns asks the upstream for the result shape of a trivial query
// against the table and maps each field through ArrowTypeForOID. Discovery
// stores exactly this output, so stored types always match query-time types.
func ResolveColumns(ctx context.Context, q Querier, schemaName, tableName string) ([]ResolvedColumn, error) {
	sql := fmt.Sprintf("SELECT * FROM %s.%s LIMIT 0", QuoteIdent(schemaName), QuoteIdent(tableName))
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]ResolvedColumn, 0, len(fields))
	for _, fd := range fields {
		cols = append(cols, ResolvedColumn{
			Name: fd.Name,
			Type: ArrowTypeForOID(fd.DataTypeOID),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve schema for %s.%s: %w", schemaName, tableName, err)
	}
	return cols, nil
}

// CatalogColumn is the persisted shape SchemaFromColumns consumes.
type CatalogColumn struct {
	Name      string
	Ordinal   int
	Nullable  bool
	ArrowType string // canonical string, "" = unsupported
}

// SchemaFromColumns builds an Arrow schema from persisted catalog columns.
// Columns with no recognized arrow_type are skipped; the rest are ordered
// by ordinal position.
func SchemaFromColumns(cols []CatalogColumn) *arrow.Schema {
	sorted := make([]CatalogColumn, len(cols))
	copy(sorted, cols)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	fields := make([]arrow.Field, 0, len(sorted))
	for _, c := range sorted {
		if c.ArrowType == "" {
			continue
		}
		dt, ok := ParseArrowType(c.ArrowType)
		if !ok {
			continue
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable})
	}
	return arrow.NewSchema(fields, nil)
}

// QuoteIdent quotes a SQL identifier, doubling any embedded quotes.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
