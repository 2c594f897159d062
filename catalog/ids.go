package catalog

import (
	"fmt"

	"github.com/google/uuid"
)

// catalogNamespace is the fixed UUID-v5 namespace for catalog identities.
// Two independent discoveries of the same upstream object always produce
// the same ID, which makes re-discovery an idempotent upsert.
var catalogNamespace = uuid.UUID{
	0x8a, 0x1b, 0x9c, 0x4e, 0x3d, 0x7f, 0x5a, 0x21,
	0xb6, 0x0e, 0xf4, 0x12, 0x7c, 0x8d, 0x9e, 0x03,
}

// DataSourceUUID derives the deterministic root ID for a datasource name.
func DataSourceUUID(name string) uuid.UUID {
	return uuid.NewSHA1(catalogNamespace, []byte(name))
}

// SchemaUUID derives the ID for a schema under a datasource.
func SchemaUUID(dataSourceID uuid.UUID, schemaName string) uuid.UUID {
	return uuid.NewSHA1(catalogNamespace, []byte(fmt.Sprintf("%s:%s", dataSourceID, schemaName)))
}

// TableUUID derives the ID for a table under a schema.
func TableUUID(schemaID uuid.UUID, tableName string) uuid.UUID {
	return uuid.NewSHA1(catalogNamespace, []byte(fmt.Sprintf("%s:%s", schemaID, tableName)))
}

// ColumnUUID derives the ID for a column under a table.
func ColumnUUID(tableID uuid.UUID, columnName string) uuid.UUID {
	return uuid.NewSHA1(catalogNamespace, []byte(fmt.Sprintf("%s:%s", tableID, columnName)))
}
