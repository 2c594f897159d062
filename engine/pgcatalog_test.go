package engine

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	defs := []TableDef{
		{
			Schema: "public", Table: "orders", Type: "TABLE",
			ArrowSchema: arrow.NewSchema([]arrow.Field{
				{Name: "id", Type: arrow.PrimitiveTypes.Int32},
				{Name: "tenant", Type: arrow.BinaryTypes.String},
			}, nil),
		},
		{
			Schema: "public", Table: "daily_totals", Type: "MATERIALIZED_VIEW",
			ArrowSchema: arrow.NewSchema([]arrow.Field{
				{Name: "day", Type: arrow.FixedWidthTypes.Date32},
			}, nil),
		},
	}
	return NewContext("warehouse", defs, NewLazyPool(ConnParams{Host: "nowhere", Port: 5432}))
}

// drain collects every row of a column as strings for assertions.
func drainStrings(t *testing.T, stream *ResultStream, col int) []string {
	t.Helper()
	var out []string
	for {
		rec, err := stream.Next()
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if rec == nil {
			break
		}
		arr := rec.Column(col).(*array.String)
		for i := 0; i < arr.Len(); i++ {
			out = append(out, arr.Value(i))
		}
		rec.Release()
	}
	return out
}

func TestSystemCatalogPgClass(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT relname FROM pg_catalog.pg_class ORDER BY relname LIMIT 1")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	if stream.Schema.NumFields() != 1 || stream.Schema.Field(0).Name != "relname" {
		t.Fatalf("unexpected schema: %v", stream.Schema)
	}

	names := drainStrings(t, stream, 0)
	if len(names) != 1 || names[0] != "daily_totals" {
		t.Errorf("got %v, want [daily_totals]", names)
	}

	// Catalog-only queries must not touch the upstream pool.
	if ec.Pool().Started() {
		t.Error("system catalog query constructed the upstream pool")
	}
}

func TestSystemCatalogFilter(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE'")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	names := drainStrings(t, stream, 0)
	if len(names) != 1 || names[0] != "orders" {
		t.Errorf("got %v, want [orders]", names)
	}
}

func TestSystemCatalogAttributeOrdinals(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT attname FROM pg_catalog.pg_attribute ORDER BY attname")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	names := drainStrings(t, stream, 0)
	want := []string{"day", "id", "tenant"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestSystemCatalogLike(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT relname FROM pg_catalog.pg_class WHERE relname LIKE 'ord%'")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	names := drainStrings(t, stream, 0)
	if len(names) != 1 || names[0] != "orders" {
		t.Errorf("got %v, want [orders]", names)
	}
}

func TestSystemCatalogUnknownTable(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT * FROM pg_catalog.pg_stats")
	_, err := ec.Query(context.Background(), p)
	if _, ok := err.(*UndefinedRelationError); !ok {
		t.Errorf("expected UndefinedRelationError, got %v", err)
	}
}

func TestMixedSystemAndUserRejected(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT * FROM pg_catalog.pg_class c JOIN orders o ON true")
	_, err := ec.Query(context.Background(), p)
	if err != ErrMixedRelations {
		t.Errorf("expected ErrMixedRelations, got %v", err)
	}
}

func TestConstantSelect(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT 1")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	rec, err := stream.Next()
	if err != nil || rec == nil {
		t.Fatalf("no row: %v", err)
	}
	defer rec.Release()
	if got := rec.Column(0).(*array.Int32).Value(0); got != 1 {
		t.Errorf("SELECT 1 = %d", got)
	}
	if ec.Pool().Started() {
		t.Error("constant query constructed the upstream pool")
	}
}

func TestVersionFunction(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT version()")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	values := drainStrings(t, stream, 0)
	if len(values) != 1 || values[0] == "" {
		t.Errorf("version() = %v", values)
	}
}

func TestShowVariable(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SHOW server_version")
	stream, err := ec.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer stream.Close()

	values := drainStrings(t, stream, 0)
	if len(values) != 1 || values[0] != ec.Params()["server_version"] {
		t.Errorf("SHOW server_version = %v", values)
	}

	p = mustParseOne(t, "SHOW does_not_exist")
	if _, err := ec.Query(context.Background(), p); err == nil {
		t.Error("expected error for unknown parameter")
	}
}

func TestLookupTableDefaultSchema(t *testing.T) {
	ec := testContext(t)
	if _, ok := ec.LookupTable("", "orders"); !ok {
		t.Error("unqualified lookup should resolve against public")
	}
	if _, ok := ec.LookupTable("public", "missing"); ok {
		t.Error("missing table should not resolve")
	}
}

func TestUndefinedUserRelation(t *testing.T) {
	ec := testContext(t)

	p := mustParseOne(t, "SELECT * FROM nope")
	_, err := ec.Query(context.Background(), p)
	relErr, ok := err.(*UndefinedRelationError)
	if !ok {
		t.Fatalf("expected UndefinedRelationError, got %v", err)
	}
	if relErr.Table != "nope" {
		t.Errorf("Table = %q", relErr.Table)
	}
}
