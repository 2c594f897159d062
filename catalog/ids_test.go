package catalog

import (
	"testing"

	"github.com/google/uuid"
)

// Re-discovery must mint identical IDs for the same upstream objects.
func TestCatalogIDsDeterministic(t *testing.T) {
	ds := DataSourceUUID("warehouse")
	if ds != DataSourceUUID("warehouse") {
		t.Error("datasource id not deterministic")
	}

	s1 := SchemaUUID(ds, "public")
	s2 := SchemaUUID(ds, "public")
	if s1 != s2 {
		t.Error("schema id not deterministic")
	}

	t1 := TableUUID(s1, "orders")
	if t1 != TableUUID(s2, "orders") {
		t.Error("table id not deterministic")
	}

	c1 := ColumnUUID(t1, "total")
	if c1 != ColumnUUID(t1, "total") {
		t.Error("column id not deterministic")
	}
}

func TestCatalogIDsDistinct(t *testing.T) {
	ds := DataSourceUUID("warehouse")
	other := DataSourceUUID("analytics")
	if ds == other {
		t.Error("different datasources must have different ids")
	}
	if SchemaUUID(ds, "public") == SchemaUUID(other, "public") {
		t.Error("same schema name under different datasources must differ")
	}
	if SchemaUUID(ds, "public") == SchemaUUID(ds, "sales") {
		t.Error("different schemas must differ")
	}
}

func TestCatalogIDsAreV5(t *testing.T) {
	id := SchemaUUID(DataSourceUUID("warehouse"), "public")
	if id.Version() != uuid.Version(5) {
		t.Errorf("version = %v, want 5", id.Version())
	}
}
