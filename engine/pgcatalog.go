package engine

import (
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/queryproxy/queryproxy/codec"
)

// systemCatalog materializes the pg_catalog and information_schema stubs a
// datasource exposes. Everything is derived from the persisted catalog at
// context build time; these tables are served locally, never proxied, and
// never trigger upstream pool construction.
type systemCatalog struct {
	datasource string
	tables     map[string]map[string]*memTable // schema → table
}

// memTable is an in-memory row set with an Arrow schema.
type memTable struct {
	schema *arrow.Schema
	rows   [][]any
}

func utf8Field(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
}

func oidField(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Uint32, Nullable: false}
}

// Fixed OIDs for the built-in namespaces; synthetic relation and namespace
// OIDs are assigned sequentially from the user range.
const (
	oidPgCatalogNamespace         = 11
	oidInformationSchemaNamespace = 13
	oidPublicBase                 = 16384
)

func newSystemCatalog(datasource string, defs []TableDef) *systemCatalog {
	sc := &systemCatalog{
		datasource: datasource,
		tables:     make(map[string]map[string]*memTable),
	}

	// Deterministic ordering so synthetic OIDs are stable for a given
	// catalog snapshot.
	sorted := make([]TableDef, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Schema != sorted[j].Schema {
			return sorted[i].Schema < sorted[j].Schema
		}
		return sorted[i].Table < sorted[j].Table
	})

	nextOid := uint32(oidPublicBase)
	schemaOids := map[string]uint32{}
	var schemaNames []string
	for _, d := range sorted {
		if _, ok := schemaOids[d.Schema]; !ok {
			schemaOids[d.Schema] = nextOid
			schemaNames = append(schemaNames, d.Schema)
			nextOid++
		}
	}
	if _, ok := schemaOids["public"]; !ok {
		schemaOids["public"] = nextOid
		schemaNames = append(schemaNames, "public")
		nextOid++
	}
	sort.Strings(schemaNames)

	// pg_namespace
	nsRows := [][]any{
		{uint32(oidPgCatalogNamespace), "pg_catalog"},
		{uint32(oidInformationSchemaNamespace), "information_schema"},
	}
	for _, name := range schemaNames {
		nsRows = append(nsRows, []any{schemaOids[name], name})
	}
	sc.add("pg_catalog", "pg_namespace",
		arrow.NewSchema([]arrow.Field{oidField("oid"), utf8Field("nspname")}, nil), nsRows)

	// pg_class / pg_attribute / information_schema rows
	var classRows, attrRows, isTables, isColumns [][]any
	for _, d := range sorted {
		relOid := nextOid
		nextOid++
		classRows = append(classRows, []any{relOid, d.Table, schemaOids[d.Schema], relkind(d.Type)})
		isTables = append(isTables, []any{datasource, d.Schema, d.Table, infoTableType(d.Type)})

		if d.ArrowSchema == nil {
			continue
		}
		for i, f := range d.ArrowSchema.Fields() {
			attrRows = append(attrRows, []any{
				relOid, f.Name, uint32(codec.OIDForType(f.Type)), int16(i + 1), !f.Nullable,
			})
			nullable := "NO"
			if f.Nullable {
				nullable = "YES"
			}
			isColumns = append(isColumns, []any{
				datasource, d.Schema, d.Table, f.Name, int32(i + 1), ArrowTypeString(f.Type), nullable,
			})
		}
	}

	sc.add("pg_catalog", "pg_class", arrow.NewSchema([]arrow.Field{
		oidField("oid"), utf8Field("relname"), oidField("relnamespace"), utf8Field("relkind"),
	}, nil), classRows)

	sc.add("pg_catalog", "pg_attribute", arrow.NewSchema([]arrow.Field{
		oidField("attrelid"), utf8Field("attname"), oidField("atttypid"),
		{Name: "attnum", Type: arrow.PrimitiveTypes.Int16},
		{Name: "attnotnull", Type: arrow.FixedWidthTypes.Boolean},
	}, nil), attrRows)

	sc.add("pg_catalog", "pg_type", arrow.NewSchema([]arrow.Field{
		oidField("oid"), utf8Field("typname"),
	}, nil), builtinTypeRows())

	sc.add("pg_catalog", "pg_database", arrow.NewSchema([]arrow.Field{
		oidField("oid"), utf8Field("datname"),
	}, nil), [][]any{{uint32(1), datasource}})

	var schemataRows [][]any
	for _, name := range schemaNames {
		schemataRows = append(schemataRows, []any{datasource, name})
	}
	sc.add("information_schema", "schemata", arrow.NewSchema([]arrow.Field{
		utf8Field("catalog_name"), utf8Field("schema_name"),
	}, nil), schemataRows)

	sc.add("information_schema", "tables", arrow.NewSchema([]arrow.Field{
		utf8Field("table_catalog"), utf8Field("table_schema"), utf8Field("table_name"), utf8Field("table_type"),
	}, nil), isTables)

	sc.add("information_schema", "columns", arrow.NewSchema([]arrow.Field{
		utf8Field("table_catalog"), utf8Field("table_schema"), utf8Field("table_name"),
		utf8Field("column_name"), {Name: "ordinal_position", Type: arrow.PrimitiveTypes.Int32},
		utf8Field("data_type"), utf8Field("is_nullable"),
	}, nil), isColumns)

	return sc
}

func (sc *systemCatalog) add(schema, table string, s *arrow.Schema, rows [][]any) {
	if sc.tables[schema] == nil {
		sc.tables[schema] = make(map[string]*memTable)
	}
	sc.tables[schema][table] = &memTable{schema: s, rows: rows}
}

func (sc *systemCatalog) lookup(schema, table string) (*memTable, bool) {
	t, ok := sc.tables[strings.ToLower(schema)][strings.ToLower(table)]
	return t, ok
}

func relkind(tableType string) string {
	switch tableType {
	case "VIEW":
		return "v"
	case "MATERIALIZED_VIEW":
		return "m"
	default:
		return "r"
	}
}

func infoTableType(tableType string) string {
	switch tableType {
	case "VIEW":
		return "VIEW"
	case "MATERIALIZED_VIEW":
		return "MATERIALIZED VIEW"
	default:
		return "BASE TABLE"
	}
}

func builtinTypeRows() [][]any {
	return [][]any{
		{uint32(16), "bool"},
		{uint32(17), "bytea"},
		{uint32(20), "int8"},
		{uint32(21), "int2"},
		{uint32(23), "int4"},
		{uint32(25), "text"},
		{uint32(26), "oid"},
		{uint32(700), "float4"},
		{uint32(701), "float8"},
		{uint32(1042), "bpchar"},
		{uint32(1043), "varchar"},
		{uint32(1082), "date"},
		{uint32(1083), "time"},
		{uint32(1114), "timestamp"},
		{uint32(1184), "timestamptz"},
		{uint32(1700), "numeric"},
	}
}
