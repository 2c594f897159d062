package catalog

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func persistedCatalog() []DiscoveredSchema {
	dsID := DataSourceUUID("warehouse")
	schemaID := SchemaUUID(dsID, "public")
	tableID := TableUUID(schemaID, "orders")

	return []DiscoveredSchema{{
		ID:           schemaID,
		DataSourceID: dsID,
		SchemaName:   "public",
		IsSelected:   true,
		Tables: []DiscoveredTable{{
			ID:                 tableID,
			DiscoveredSchemaID: schemaID,
			TableName:          "orders",
			TableType:          "TABLE",
			IsSelected:         true,
			Columns: []DiscoveredColumn{
				{
					ID: ColumnUUID(tableID, "id"), DiscoveredTableID: tableID,
					ColumnName: "id", OrdinalPosition: 1, DataType: "integer",
					ArrowType: strPtr("Int32"),
				},
				{
					ID: ColumnUUID(tableID, "total"), DiscoveredTableID: tableID,
					ColumnName: "total", OrdinalPosition: 2, DataType: "numeric",
					ArrowType: strPtr("Decimal128(38,20)"),
				},
			},
		}},
	}}
}

func liveOrdersColumns(totalType string) []ColumnInput {
	return []ColumnInput{
		{SchemaName: "public", TableName: "orders", ColumnName: "id", Ordinal: 1, DataType: "integer", ArrowType: strPtr("Int32")},
		{SchemaName: "public", TableName: "orders", ColumnName: "total", Ordinal: 2, DataType: "numeric", ArrowType: strPtr(totalType)},
	}
}

func findColumn(t *testing.T, report *DriftReport, schema, table, column string) ColumnDrift {
	t.Helper()
	for _, s := range report.Schemas {
		if s.SchemaName != schema {
			continue
		}
		for _, tb := range s.Tables {
			if tb.TableName != table {
				continue
			}
			for _, c := range tb.Columns {
				if c.ColumnName == column {
					return c
				}
			}
		}
	}
	t.Fatalf("column %s.%s.%s not in report", schema, table, column)
	return ColumnDrift{}
}

func TestDriftUnchanged(t *testing.T) {
	report := ComputeDrift(persistedCatalog(),
		[]string{"public"},
		[]LiveTable{{SchemaName: "public", TableName: "orders"}},
		liveOrdersColumns("Decimal128(38,20)"))

	if report.HasBreakingChanges {
		t.Error("identical catalogs must not be breaking")
	}
	if c := findColumn(t, report, "public", "orders", "total"); c.Status != StatusUnchanged {
		t.Errorf("total status = %s", c.Status)
	}
}

// Upstream column type change: modified with old/new types, breaking.
func TestDriftModifiedColumnType(t *testing.T) {
	report := ComputeDrift(persistedCatalog(),
		[]string{"public"},
		[]LiveTable{{SchemaName: "public", TableName: "orders"}},
		liveOrdersColumns("Decimal128(38,10)"))

	if !report.HasBreakingChanges {
		t.Fatal("type change must be breaking")
	}
	c := findColumn(t, report, "public", "orders", "total")
	if c.Status != StatusModified {
		t.Fatalf("total status = %s", c.Status)
	}
	if c.Changes == nil || *c.Changes.OldType != "Decimal128(38,20)" || *c.Changes.NewType != "Decimal128(38,10)" {
		t.Errorf("changes = %+v", c.Changes)
	}
}

func TestDriftDeletedTable(t *testing.T) {
	report := ComputeDrift(persistedCatalog(), []string{"public"}, nil, nil)

	if !report.HasBreakingChanges {
		t.Fatal("deleted table must be breaking")
	}
	if report.Schemas[0].Tables[0].Status != StatusDeleted {
		t.Errorf("orders status = %s", report.Schemas[0].Tables[0].Status)
	}
}

func TestDriftDeletedSchema(t *testing.T) {
	report := ComputeDrift(persistedCatalog(), nil, nil, nil)

	if !report.HasBreakingChanges {
		t.Fatal("deleted schema must be breaking")
	}
	if report.Schemas[0].Status != StatusDeleted {
		t.Errorf("schema status = %s", report.Schemas[0].Status)
	}
}

// Purely additive drift is reported but not breaking.
func TestDriftAdditiveNotBreaking(t *testing.T) {
	report := ComputeDrift(persistedCatalog(),
		[]string{"public", "sales"},
		[]LiveTable{
			{SchemaName: "public", TableName: "orders"},
			{SchemaName: "public", TableName: "invoices"},
			{SchemaName: "sales", TableName: "leads"},
		},
		append(liveOrdersColumns("Decimal128(38,20)"),
			ColumnInput{SchemaName: "public", TableName: "orders", ColumnName: "note", Ordinal: 3, DataType: "text", ArrowType: strPtr("Utf8")}))

	if report.HasBreakingChanges {
		t.Error("additive drift must not be breaking")
	}

	if c := findColumn(t, report, "public", "orders", "note"); c.Status != StatusNew {
		t.Errorf("note status = %s", c.Status)
	}

	foundNewSchema, foundNewTable := false, false
	for _, s := range report.Schemas {
		if s.SchemaName == "sales" && s.Status == StatusNew {
			foundNewSchema = true
		}
		for _, tb := range s.Tables {
			if tb.TableName == "invoices" && tb.Status == StatusNew {
				foundNewTable = true
			}
		}
	}
	if !foundNewSchema || !foundNewTable {
		t.Errorf("additive entries missing: schema=%v table=%v", foundNewSchema, foundNewTable)
	}
}

// Unselected entries are outside the drift contract.
func TestDriftIgnoresUnselected(t *testing.T) {
	persisted := persistedCatalog()
	persisted[0].Tables[0].IsSelected = false

	report := ComputeDrift(persisted, []string{"public"}, nil, nil)
	if report.HasBreakingChanges {
		t.Error("unselected table absence must not be breaking")
	}
	if len(report.Schemas) != 1 || len(report.Schemas[0].Tables) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}
