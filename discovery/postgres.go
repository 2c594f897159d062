package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/queryproxy/queryproxy/engine"
)

// columnChunkSize bounds the (table_schema, table_name) pairs per
// information_schema.columns query.
const columnChunkSize = 50

type postgresProvider struct {
	conn engine.ConnParams

	mu     sync.Mutex
	client *pgx.Conn
}

func newPostgresProvider(conn engine.ConnParams) *postgresProvider {
	return &postgresProvider{conn: conn}
}

// connect dials the upstream once per provider and pins a statement
// timeout so a wedged upstream cannot hang a discovery job forever.
func (p *postgresProvider) connect(ctx context.Context) (*pgx.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	client, err := pgx.Connect(ctx, p.conn.DSN())
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("connect upstream: %w", err))
	}
	if _, err := client.Exec(ctx, "SET statement_timeout = '60s'"); err != nil {
		_ = client.Close(context.Background())
		return nil, wrapCancel(ctx, fmt.Errorf("set statement timeout: %w", err))
	}
	p.client = client
	return client, nil
}

func (p *postgresProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		_ = p.client.Close(context.Background())
		p.client = nil
	}
}

// wrapCancel converts context-cancellation failures into ErrCancelled so
// the job runner can distinguish a cancelled job from a failed one.
func wrapCancel(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return err
}

func (p *postgresProvider) DiscoverSchemas(ctx context.Context) ([]Schema, error) {
	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := client.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata
		 WHERE schema_name NOT IN ('pg_catalog', 'information_schema')
		 AND schema_name !~ '^pg_toast'
		 AND schema_name !~ '^pg_temp'
		 ORDER BY schema_name`)
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("query schemas: %w", err))
	}
	defer rows.Close()

	var schemas []Schema
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		schemas = append(schemas, Schema{SchemaName: name})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("read schemas: %w", err))
	}
	return schemas, nil
}

func (p *postgresProvider) DiscoverTables(ctx context.Context, schemas []string) ([]Table, error) {
	if len(schemas) == 0 {
		return nil, nil
	}

	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := client.Query(ctx,
		`SELECT table_schema, table_name, table_type
		 FROM information_schema.tables
		 WHERE table_schema = ANY($1)
		 ORDER BY table_schema, table_name`, schemas)
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("query tables: %w", err))
	}
	tables, err := scanTables(rows)
	if err != nil {
		return nil, wrapCancel(ctx, err)
	}

	// Materialized views are absent from information_schema.tables.
	matRows, err := client.Query(ctx,
		`SELECT schemaname, matviewname
		 FROM pg_matviews
		 WHERE schemaname = ANY($1)
		 ORDER BY schemaname, matviewname`, schemas)
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("query materialized views: %w", err))
	}
	defer matRows.Close()
	for matRows.Next() {
		var t Table
		if err := matRows.Scan(&t.SchemaName, &t.TableName); err != nil {
			return nil, fmt.Errorf("scan matview row: %w", err)
		}
		t.TableType = "MATERIALIZED_VIEW"
		tables = append(tables, t)
	}
	if err := matRows.Err(); err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("read materialized views: %w", err))
	}

	return tables, nil
}

func scanTables(rows pgx.Rows) ([]Table, error) {
	defer rows.Close()
	var tables []Table
	for rows.Next() {
		var t Table
		var rawType string
		if err := rows.Scan(&t.SchemaName, &t.TableName, &rawType); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		switch rawType {
		case "VIEW":
			t.TableType = "VIEW"
		default: // BASE TABLE, FOREIGN, ...
			t.TableType = "TABLE"
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	return tables, nil
}

func (p *postgresProvider) DiscoverColumns(ctx context.Context, tables []TableRef) ([]Column, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	// Authoritative Arrow types come from the engine's own schema resolver
	// so stored types always match query-time types. One round-trip per
	// table; discovery is a one-time operation.
	arrowTypes := make(map[TableRef]map[string]string)
	for _, ref := range tables {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		resolved, err := engine.ResolveColumns(ctx, client, ref.Schema, ref.Table)
		if err != nil {
			slog.Warn("Schema resolution failed, columns will have no arrow_type",
				"schema", ref.Schema, "table", ref.Table, "error", err)
			continue
		}
		byName := make(map[string]string, len(resolved))
		for _, col := range resolved {
			if col.Type != nil {
				byName[col.Name] = engine.ArrowTypeString(col.Type)
			}
		}
		arrowTypes[ref] = byName
	}

	var all []Column
	for chunk := range chunks(tables, columnChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		cols, err := p.columnsForChunk(ctx, client, chunk, arrowTypes)
		if err != nil {
			return nil, err
		}
		all = append(all, cols...)
	}

	// Materialized-view columns are not in information_schema.columns;
	// fetch the stragglers through pg_attribute.
	covered := make(map[TableRef]bool)
	for _, c := range all {
		covered[TableRef{Schema: c.SchemaName, Table: c.TableName}] = true
	}
	for _, ref := range tables {
		if covered[ref] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		cols, err := p.matviewColumns(ctx, client, ref, arrowTypes[ref])
		if err != nil {
			return nil, err
		}
		all = append(all, cols...)
	}

	return all, nil
}

func (p *postgresProvider) columnsForChunk(ctx context.Context, client *pgx.Conn, chunk []TableRef, arrowTypes map[TableRef]map[string]string) ([]Column, error) {
	schemas := make([]string, len(chunk))
	names := make([]string, len(chunk))
	for i, ref := range chunk {
		schemas[i] = ref.Schema
		names[i] = ref.Table
	}

	rows, err := client.Query(ctx,
		`SELECT c.table_schema, c.table_name, c.column_name, c.ordinal_position,
		        c.data_type, c.is_nullable, c.column_default
		 FROM information_schema.columns c
		 JOIN unnest($1::text[], $2::text[]) AS t(s, n)
		   ON c.table_schema = t.s AND c.table_name = t.n
		 ORDER BY c.table_schema, c.table_name, c.ordinal_position`,
		schemas, names)
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("query columns: %w", err))
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.SchemaName, &c.TableName, &c.ColumnName,
			&c.OrdinalPosition, &c.DataType, &nullable, &c.ColumnDefault); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		c.IsNullable = nullable == "YES"
		c.ArrowType = lookupArrowType(arrowTypes, c.SchemaName, c.TableName, c.ColumnName)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("read columns: %w", err))
	}
	return cols, nil
}

func (p *postgresProvider) matviewColumns(ctx context.Context, client *pgx.Conn, ref TableRef, types map[string]string) ([]Column, error) {
	rows, err := client.Query(ctx,
		`SELECT a.attname, a.attnum, t.typname, NOT a.attnotnull
		 FROM pg_attribute a
		 JOIN pg_class c ON c.oid = a.attrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 JOIN pg_type t ON t.oid = a.atttypid
		 WHERE n.nspname = $1 AND c.relname = $2
		 AND a.attnum > 0 AND NOT a.attisdropped
		 ORDER BY a.attnum`, ref.Schema, ref.Table)
	if err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("query matview columns: %w", err))
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var attnum int16
		if err := rows.Scan(&c.ColumnName, &attnum, &c.DataType, &c.IsNullable); err != nil {
			return nil, fmt.Errorf("scan matview column row: %w", err)
		}
		c.SchemaName = ref.Schema
		c.TableName = ref.Table
		c.OrdinalPosition = int(attnum)
		if at, ok := types[c.ColumnName]; ok {
			c.ArrowType = &at
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapCancel(ctx, fmt.Errorf("read matview columns: %w", err))
	}
	return cols, nil
}

func lookupArrowType(arrowTypes map[TableRef]map[string]string, schema, table, column string) *string {
	byName, ok := arrowTypes[TableRef{Schema: schema, Table: table}]
	if !ok {
		return nil
	}
	if at, ok := byName[column]; ok {
		return &at
	}
	return nil
}

func chunks(refs []TableRef, size int) func(func([]TableRef) bool) {
	return func(yield func([]TableRef) bool) {
		for start := 0; start < len(refs); start += size {
			end := min(start+size, len(refs))
			if !yield(refs[start:end]) {
				return
			}
		}
	}
}
