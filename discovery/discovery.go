// Package discovery introspects upstream databases for the catalog
// subsystem. Providers are strategies over the datasource type; every
// method takes a context whose cancellation must interrupt in-flight
// upstream I/O.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/queryproxy/queryproxy/engine"
)

// Schema is one upstream schema.
type Schema struct {
	SchemaName string
}

// Table is one upstream relation. TableType is TABLE, VIEW, or
// MATERIALIZED_VIEW.
type Table struct {
	SchemaName string
	TableName  string
	TableType  string
}

// Column is one upstream column. ArrowType is the canonical string from
// the engine's schema resolver, nil when the engine cannot represent it.
type Column struct {
	SchemaName      string
	TableName       string
	ColumnName      string
	OrdinalPosition int
	DataType        string
	IsNullable      bool
	ColumnDefault   *string
	ArrowType       *string
}

// TableRef names one (schema, table) pair for column discovery.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// ErrCancelled reports that the job's cancellation token tripped during
// discovery I/O.
var ErrCancelled = errors.New("discovery cancelled")

// Provider introspects one upstream database.
type Provider interface {
	DiscoverSchemas(ctx context.Context) ([]Schema, error)
	DiscoverTables(ctx context.Context, schemas []string) ([]Table, error)
	DiscoverColumns(ctx context.Context, tables []TableRef) ([]Column, error)
	Close()
}

// NewProvider builds the provider for a datasource type.
func NewProvider(dsType string, conn engine.ConnParams) (Provider, error) {
	switch dsType {
	case "postgres":
		return newPostgresProvider(conn), nil
	}
	return nil, fmt.Errorf("no discovery provider for data source type %q", dsType)
}
