package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// UndefinedRelationError is returned when a query references a table that is
// not in the datasource's allowlisted catalog.
type UndefinedRelationError struct {
	Schema string
	Table  string
}

func (e *UndefinedRelationError) Error() string {
	if e.Schema != "" {
		return fmt.Sprintf("relation %q does not exist", e.Schema+"."+e.Table)
	}
	return fmt.Sprintf("relation %q does not exist", e.Table)
}

// ErrMixedRelations rejects statements that join system catalog tables with
// user tables; the former are served locally, the latter upstream.
var ErrMixedRelations = fmt.Errorf("queries mixing system catalogs and user tables are not supported")

// TableDef is one allowlisted table with its persisted Arrow schema.
type TableDef struct {
	Schema      string
	Table       string
	Type        string // TABLE, VIEW, MATERIALIZED_VIEW
	ArrowSchema *arrow.Schema
}

// Context is a per-datasource query session: a fixed virtual catalog of
// allowlisted tables, a shared lazy upstream pool, and local system-table
// stubs. Contexts are immutable after construction and cheap to share.
type Context struct {
	DataSource string

	tables map[string]map[string]TableDef // schema → table → def
	pool   *LazyPool
	system *systemCatalog
	params ServerParams
}

// ServerParams are the parameter-status values reported to clients and the
// answers for SHOW statements.
type ServerParams map[string]string

// DefaultServerParams mirrors what standard Postgres clients expect on
// connect.
func DefaultServerParams() ServerParams {
	return ServerParams{
		"server_version":              "16.0 (queryproxy)",
		"server_encoding":             "UTF8",
		"client_encoding":             "UTF8",
		"DateStyle":                   "ISO, MDY",
		"TimeZone":                    "UTC",
		"integer_datetimes":           "on",
		"standard_conforming_strings": "on",
	}
}

// NewContext builds an engine context over the selected tables. The pool
// handle is shared with the cache and survives context invalidation.
func NewContext(datasource string, defs []TableDef, pool *LazyPool) *Context {
	tables := make(map[string]map[string]TableDef)
	for _, d := range defs {
		if tables[d.Schema] == nil {
			tables[d.Schema] = make(map[string]TableDef)
		}
		tables[d.Schema][d.Table] = d
	}
	return &Context{
		DataSource: datasource,
		tables:     tables,
		pool:       pool,
		system:     newSystemCatalog(datasource, defs),
		params:     DefaultServerParams(),
	}
}

// Pool exposes the shared lazy pool handle (for warm-up).
func (c *Context) Pool() *LazyPool { return c.pool }

// Params exposes the server parameter map.
func (c *Context) Params() ServerParams { return c.params }

// LookupTable resolves a (schema, table) reference against the allowlist.
// An empty schema resolves to "public".
func (c *Context) LookupTable(schema, table string) (TableDef, bool) {
	if schema == "" {
		schema = "public"
	}
	def, ok := c.tables[schema][table]
	return def, ok
}

// ResultStream delivers a query result as Arrow record batches in the
// engine's emission order. Close must be called exactly once.
type ResultStream struct {
	Schema *arrow.Schema

	next  func() (arrow.RecordBatch, error)
	close func()
}

// Next returns the next batch, or (nil, nil) when the stream is exhausted.
func (s *ResultStream) Next() (arrow.RecordBatch, error) { return s.next() }

// Close releases the upstream cursor (returning its connection to the pool).
func (s *ResultStream) Close() {
	if s.close != nil {
		s.close()
	}
}

// Query executes a hook-validated plan. System-only statements are answered
// from the local catalog stubs and statements with no table reference are
// evaluated locally, both without touching the pool; statements over user
// tables compile to upstream SQL and stream through the shared pool.
func (c *Context) Query(ctx context.Context, p *Plan) (*ResultStream, error) {
	switch {
	case p.HasUserScans():
		if len(p.SystemScans) > 0 {
			return nil, ErrMixedRelations
		}
		return c.queryUpstream(ctx, p)
	case p.SystemOnly():
		return c.system.query(p)
	default:
		return c.localQuery(p)
	}
}

func (c *Context) queryUpstream(ctx context.Context, p *Plan) (*ResultStream, error) {
	for _, scan := range p.Scans {
		if _, ok := c.LookupTable(scan.Schema, scan.Table); !ok {
			return nil, &UndefinedRelationError{Schema: scan.Schema, Table: scan.Table}
		}
	}

	sql, err := p.Compile()
	if err != nil {
		return nil, err
	}

	pool, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("upstream query: %w", err)
	}
	slog.Debug("Executing upstream", "datasource", c.DataSource, "sql", sql)

	schema := schemaForFields(rows.FieldDescriptions())
	return &ResultStream{
		Schema: schema,
		next: func() (arrow.RecordBatch, error) {
			rec, err := rowsToRecord(memory.DefaultAllocator, rows, schema, defaultBatchSize)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				slog.Debug("Streamed result", "datasource", c.DataSource, "elapsed", time.Since(start))
			}
			return rec, nil
		},
		close: rows.Close,
	}, nil
}

// Describe resolves a plan's result schema without streaming its rows.
// User-table plans run a LIMIT 0 probe upstream; local plans evaluate and
// discard.
func (c *Context) Describe(ctx context.Context, p *Plan) (*arrow.Schema, error) {
	if p.Kind == KindExplain {
		return arrow.NewSchema([]arrow.Field{
			{Name: "QUERY PLAN", Type: arrow.BinaryTypes.String, Nullable: true},
		}, nil), nil
	}

	if !p.HasUserScans() {
		stream, err := c.Query(ctx, p)
		if err != nil {
			return nil, err
		}
		stream.Close()
		return stream.Schema, nil
	}

	for _, scan := range p.Scans {
		if _, ok := c.LookupTable(scan.Schema, scan.Table); !ok {
			return nil, &UndefinedRelationError{Schema: scan.Schema, Table: scan.Table}
		}
	}
	sql, err := p.Compile()
	if err != nil {
		return nil, err
	}

	pool, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, fmt.Sprintf("SELECT * FROM (%s) AS _probe LIMIT 0", sql))
	if err != nil {
		return nil, fmt.Errorf("describe query: %w", err)
	}
	defer rows.Close()
	return schemaForFields(rows.FieldDescriptions()), nil
}

// Warmup eagerly constructs the upstream pool so the first user-table query
// hits a warm path. Safe to call from a background task; failures are
// non-fatal.
func (c *Context) Warmup(ctx context.Context) {
	if _, err := c.pool.Get(ctx); err != nil {
		slog.Debug("Pool warmup failed (non-fatal)", "datasource", c.DataSource, "error", err)
	} else {
		slog.Debug("Pool warmed up", "datasource", c.DataSource)
	}
}
