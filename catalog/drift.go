package catalog

import "sort"

// Drift status values.
const (
	StatusUnchanged = "unchanged"
	StatusNew       = "new"
	StatusDeleted   = "deleted"
	StatusModified  = "modified"
)

// DriftReport is the outcome of sync_catalog: the difference between the
// persisted catalog and the live upstream schema. It never mutates the
// catalog; the admin decides.
type DriftReport struct {
	Schemas            []SchemaDrift `json:"schemas"`
	HasBreakingChanges bool          `json:"has_breaking_changes"`
}

type SchemaDrift struct {
	SchemaName string       `json:"schema_name"`
	Status     string       `json:"status"`
	Tables     []TableDrift `json:"tables"`
}

type TableDrift struct {
	TableName string        `json:"table_name"`
	Status    string        `json:"status"`
	Columns   []ColumnDrift `json:"columns"`
}

type ColumnDrift struct {
	ColumnName string      `json:"column_name"`
	Status     string      `json:"status"`
	Changes    *TypeChange `json:"changes"`
}

type TypeChange struct {
	OldType *string `json:"old_type,omitempty"`
	NewType *string `json:"new_type,omitempty"`
}

// LiveTable is one relation from a fresh discovery run.
type LiveTable struct {
	SchemaName string
	TableName  string
}

// ComputeDrift diffs the persisted catalog (selected entries only) against
// a fresh discovery of the upstream. Deleted or modified entities are
// breaking; purely additive drift is not.
func ComputeDrift(persisted []DiscoveredSchema, liveSchemas []string, liveTables []LiveTable, liveColumns []ColumnInput) *DriftReport {
	report := &DriftReport{}

	liveSchemaSet := make(map[string]bool, len(liveSchemas))
	for _, name := range liveSchemas {
		liveSchemaSet[name] = true
	}
	liveTableSet := make(map[[2]string]bool, len(liveTables))
	for _, t := range liveTables {
		liveTableSet[[2]string{t.SchemaName, t.TableName}] = true
	}
	liveColsByTable := make(map[[2]string][]ColumnInput)
	for _, c := range liveColumns {
		key := [2]string{c.SchemaName, c.TableName}
		liveColsByTable[key] = append(liveColsByTable[key], c)
	}

	persistedSchemaSet := make(map[string]bool)
	persistedTableSet := make(map[[2]string]bool)

	for _, schema := range persisted {
		if !schema.IsSelected {
			continue
		}
		persistedSchemaSet[schema.SchemaName] = true

		sd := SchemaDrift{SchemaName: schema.SchemaName, Status: StatusUnchanged}
		if !liveSchemaSet[schema.SchemaName] {
			sd.Status = StatusDeleted
			report.HasBreakingChanges = true
		}

		for _, table := range schema.Tables {
			if !table.IsSelected {
				continue
			}
			key := [2]string{schema.SchemaName, table.TableName}
			persistedTableSet[key] = true

			td := TableDrift{TableName: table.TableName, Status: StatusUnchanged}
			if sd.Status == StatusDeleted || !liveTableSet[key] {
				td.Status = StatusDeleted
				report.HasBreakingChanges = true
			} else {
				td.Columns = diffColumns(table.Columns, liveColsByTable[key], report)
			}
			sd.Tables = append(sd.Tables, td)
		}

		report.Schemas = append(report.Schemas, sd)
	}

	// Additive drift: upstream objects the catalog has never seen.
	for _, t := range liveTables {
		if persistedTableSet[[2]string{t.SchemaName, t.TableName}] {
			continue
		}
		attachNewTable(report, persistedSchemaSet, t)
	}
	for _, name := range liveSchemas {
		if !persistedSchemaSet[name] && !hasSchema(report, name) {
			report.Schemas = append(report.Schemas, SchemaDrift{SchemaName: name, Status: StatusNew})
		}
	}

	sort.Slice(report.Schemas, func(i, j int) bool {
		return report.Schemas[i].SchemaName < report.Schemas[j].SchemaName
	})
	return report
}

func diffColumns(persisted []DiscoveredColumn, live []ColumnInput, report *DriftReport) []ColumnDrift {
	liveByName := make(map[string]ColumnInput, len(live))
	for _, c := range live {
		liveByName[c.ColumnName] = c
	}

	var drifts []ColumnDrift
	seen := make(map[string]bool, len(persisted))

	for _, col := range persisted {
		seen[col.ColumnName] = true
		liveCol, ok := liveByName[col.ColumnName]
		switch {
		case !ok:
			drifts = append(drifts, ColumnDrift{ColumnName: col.ColumnName, Status: StatusDeleted})
			report.HasBreakingChanges = true
		case !arrowTypeEqual(col.ArrowType, liveCol.ArrowType):
			drifts = append(drifts, ColumnDrift{
				ColumnName: col.ColumnName,
				Status:     StatusModified,
				Changes:    &TypeChange{OldType: col.ArrowType, NewType: liveCol.ArrowType},
			})
			report.HasBreakingChanges = true
		default:
			drifts = append(drifts, ColumnDrift{ColumnName: col.ColumnName, Status: StatusUnchanged})
		}
	}

	for _, c := range live {
		if !seen[c.ColumnName] {
			drifts = append(drifts, ColumnDrift{ColumnName: c.ColumnName, Status: StatusNew})
		}
	}
	return drifts
}

func arrowTypeEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func attachNewTable(report *DriftReport, persistedSchemas map[string]bool, t LiveTable) {
	td := TableDrift{TableName: t.TableName, Status: StatusNew}
	for i := range report.Schemas {
		if report.Schemas[i].SchemaName == t.SchemaName {
			report.Schemas[i].Tables = append(report.Schemas[i].Tables, td)
			return
		}
	}
	status := StatusNew
	if persistedSchemas[t.SchemaName] {
		status = StatusUnchanged
	}
	report.Schemas = append(report.Schemas, SchemaDrift{
		SchemaName: t.SchemaName,
		Status:     status,
		Tables:     []TableDrift{td},
	})
}

func hasSchema(report *DriftReport, name string) bool {
	for _, s := range report.Schemas {
		if s.SchemaName == name {
			return true
		}
	}
	return false
}
