// Package catalog is the admin store: users, datasources, assignments, and
// the discovered-catalog allowlist, persisted through gorm.
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// User is a proxy identity. is_admin governs the management plane only; it
// grants no data-plane access.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username      string    `gorm:"uniqueIndex;not null"`
	Tenant        string    `gorm:"not null"`
	PasswordHash  string    `gorm:"not null"`
	ScramVerifier string    `gorm:"not null"`
	IsAdmin       bool
	IsActive      bool `gorm:"default:true"`
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DataSource is a named upstream configuration. Name is what clients send
// as the Postgres `database` startup parameter. PublicConfig carries the
// non-secret connection parameters as JSON; SecretConfig is an AES-256-GCM
// envelope. The split is by type definition, not naming convention.
type DataSource struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string    `gorm:"uniqueIndex;not null"`
	DSType         string    `gorm:"column:ds_type;not null"`
	PublicConfig   string    `gorm:"not null"`
	SecretConfig   string    `gorm:"not null"`
	IsActive       bool      `gorm:"default:true"`
	LastSyncAt     *time.Time
	LastSyncResult *string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Schemas []DiscoveredSchema `gorm:"foreignKey:DataSourceID;constraint:OnDelete:CASCADE"`
}

// UserDataSource is the strict user-to-datasource allowlist.
type UserDataSource struct {
	UserID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	DataSourceID uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt    time.Time
}

// DiscoveredSchema is one upstream schema in the catalog.
type DiscoveredSchema struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DataSourceID uuid.UUID `gorm:"type:uuid;index;not null"`
	SchemaName   string    `gorm:"not null"`
	IsSelected   bool
	DiscoveredAt time.Time

	Tables []DiscoveredTable `gorm:"foreignKey:DiscoveredSchemaID;constraint:OnDelete:CASCADE"`
}

// DiscoveredTable is one upstream relation. TableType is TABLE, VIEW, or
// MATERIALIZED_VIEW. A table may be selected only if its parent schema is.
type DiscoveredTable struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	DiscoveredSchemaID uuid.UUID `gorm:"type:uuid;index;not null"`
	TableName          string    `gorm:"not null"`
	TableType          string    `gorm:"not null"`
	IsSelected         bool
	DiscoveredAt       time.Time

	Columns []DiscoveredColumn `gorm:"foreignKey:DiscoveredTableID;constraint:OnDelete:CASCADE"`
}

// DiscoveredColumn is one upstream column. ArrowType is the canonical type
// string from the engine's schema resolver, or nil for columns the engine
// cannot represent; those are persisted but excluded from the engine
// schema.
type DiscoveredColumn struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DiscoveredTableID uuid.UUID `gorm:"type:uuid;index;not null"`
	ColumnName        string    `gorm:"not null"`
	OrdinalPosition   int       `gorm:"not null"`
	DataType          string    `gorm:"not null"`
	IsNullable        bool
	ColumnDefault     *string
	ArrowType         *string
	DiscoveredAt      time.Time
}

// PublicConnConfig is the JSON shape of DataSource.PublicConfig.
type PublicConnConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	SSLMode  string `json:"sslmode,omitempty"`
}

// SecretConnConfig is the JSON shape sealed into DataSource.SecretConfig.
type SecretConnConfig struct {
	Password string `json:"password"`
}
