package engine

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// StatementKind classifies a parsed statement for the hook pipeline.
type StatementKind int

const (
	KindSelect StatementKind = iota
	KindExplain
	KindShow
	KindOther
)

// systemSchemas are the schema names whose tables are served locally and
// exempt from row-level security. A reference counts as system only when it
// is schema-qualified; bare `pg_class` is treated as a user table.
var systemSchemas = map[string]bool{
	"pg_catalog":         true,
	"information_schema": true,
	"pg_toast":           true,
}

// IsSystemSchema reports whether name is a recognized system schema.
func IsSystemSchema(name string) bool {
	return systemSchemas[strings.ToLower(name)]
}

// Filter is a predicate injected directly below a table scan.
type Filter struct {
	Column string
	Value  string
}

// TableScan is one user-table reference in the plan. Filters attached here
// are compiled into a derived subquery wrapping the scan, so they cannot be
// bypassed by aliasing, CTEs, or set operations above it.
type TableScan struct {
	node    *pg_query.Node // wrapper whose Node is a RangeVar
	Schema  string         // "" when unqualified
	Table   string
	Alias   string
	Filters []Filter
}

// Plan is a validated, hook-rewritten logical plan for a single statement.
type Plan struct {
	Stmt        *pg_query.RawStmt
	Kind        StatementKind
	KindName    string // parse-tree node name, for error messages
	Scans       []*TableScan // user-table scans
	SystemScans []*TableScan // schema-qualified system-table scans
}

// SystemOnly reports whether every table reference is a schema-qualified
// system table. Statements with no table references at all are not
// system-only; they are evaluated locally as constant queries.
func (p *Plan) SystemOnly() bool {
	return len(p.Scans) == 0 && len(p.SystemScans) > 0
}

// HasUserScans reports whether the plan touches at least one user table.
func (p *Plan) HasUserScans() bool { return len(p.Scans) > 0 }

// ParseError reports invalid SQL (SQLSTATE 42601 on the wire).
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "syntax error: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ParseSQL parses a query string into one plan per statement.
func ParseSQL(sql string) ([]*Plan, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	plans := make([]*Plan, 0, len(tree.Stmts))
	for _, raw := range tree.Stmts {
		plans = append(plans, newPlan(raw))
	}
	return plans, nil
}

func newPlan(raw *pg_query.RawStmt) *Plan {
	p := &Plan{Stmt: raw}
	p.Kind, p.KindName = classify(raw.Stmt)
	p.collectScans()
	return p
}

func classify(node *pg_query.Node) (StatementKind, string) {
	if node == nil {
		return KindOther, "EmptyStmt"
	}
	switch node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return KindSelect, "SelectStmt"
	case *pg_query.Node_ExplainStmt:
		return KindExplain, "ExplainStmt"
	case *pg_query.Node_VariableShowStmt:
		return KindShow, "VariableShowStmt"
	}
	// Trim the protobuf wrapper name down to the node name.
	name := fmt.Sprintf("%T", node.Node)
	if i := strings.LastIndex(name, "Node_"); i >= 0 {
		name = name[i+len("Node_"):]
	}
	return KindOther, name
}

func (p *Plan) collectScans() {
	walkNode(p.Stmt.Stmt, func(n *pg_query.Node) bool {
		rv, ok := n.Node.(*pg_query.Node_RangeVar)
		if !ok || rv.RangeVar == nil {
			return true
		}
		scan := &TableScan{
			node:   n,
			Schema: rv.RangeVar.Schemaname,
			Table:  rv.RangeVar.Relname,
		}
		if rv.RangeVar.Alias != nil {
			scan.Alias = rv.RangeVar.Alias.Aliasname
		}
		if IsSystemSchema(scan.Schema) {
			p.SystemScans = append(p.SystemScans, scan)
		} else {
			p.Scans = append(p.Scans, scan)
		}
		return true
	})
}

// ContainsWrites reports whether any write statement hides inside the
// tree, e.g. a writable CTE under a top-level SELECT.
func (p *Plan) ContainsWrites() bool {
	found := false
	walkNode(p.Stmt.Stmt, func(n *pg_query.Node) bool {
		switch n.Node.(type) {
		case *pg_query.Node_InsertStmt, *pg_query.Node_UpdateStmt,
			*pg_query.Node_DeleteStmt, *pg_query.Node_MergeStmt:
			found = true
			return false
		}
		return true
	})
	return found
}

// ParamCount returns the highest $N parameter number referenced by the
// statement.
func (p *Plan) ParamCount() int {
	max := 0
	walkNode(p.Stmt.Stmt, func(n *pg_query.Node) bool {
		if pr, ok := n.Node.(*pg_query.Node_ParamRef); ok && pr.ParamRef != nil {
			if int(pr.ParamRef.Number) > max {
				max = int(pr.ParamRef.Number)
			}
		}
		return true
	})
	return max
}

// BindParams substitutes extended-protocol parameter values into the plan as
// literals, in the same form the simple-query path would carry. A nil value
// is a SQL NULL.
func (p *Plan) BindParams(values []*string) error {
	var bindErr error
	walkNode(p.Stmt.Stmt, func(n *pg_query.Node) bool {
		pr, ok := n.Node.(*pg_query.Node_ParamRef)
		if !ok || pr.ParamRef == nil {
			return true
		}
		idx := int(pr.ParamRef.Number)
		if idx < 1 || idx > len(values) {
			bindErr = fmt.Errorf("bind: no value for parameter $%d", idx)
			return false
		}
		v := values[idx-1]
		if v == nil {
			n.Node = &pg_query.Node_AConst{AConst: &pg_query.A_Const{Isnull: true}}
		} else {
			n.Node = &pg_query.Node_AConst{AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Sval{Sval: &pg_query.String{Sval: *v}},
			}}
		}
		return true
	})
	return bindErr
}

// Compile lowers the plan to upstream SQL: each filtered scan is replaced by
// a derived subquery carrying its predicates, then the statement is
// deparsed.
func (p *Plan) Compile() (string, error) {
	for _, scan := range p.Scans {
		if len(scan.Filters) == 0 {
			continue
		}
		sub, err := filteredScanSubselect(scan)
		if err != nil {
			return "", err
		}
		scan.node.Node = sub
	}

	sql, err := pg_query.Deparse(&pg_query.ParseResult{Stmts: []*pg_query.RawStmt{p.Stmt}})
	if err != nil {
		return "", fmt.Errorf("deparse: %w", err)
	}
	return sql, nil
}

// filteredScanSubselect builds `(SELECT * FROM s.t WHERE ...) AS alias`
// for a scan. The subtree is produced by parsing a synthesized statement so
// every literal goes through the real PG lexer.
func filteredScanSubselect(scan *TableScan) (*pg_query.Node_RangeSubselect, error) {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	if scan.Schema != "" {
		b.WriteString(QuoteIdent(scan.Schema))
		b.WriteByte('.')
	}
	b.WriteString(QuoteIdent(scan.Table))
	b.WriteString(" WHERE ")
	for i, f := range scan.Filters {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(QuoteIdent(f.Column))
		b.WriteString(" = '")
		b.WriteString(strings.ReplaceAll(f.Value, "'", "''"))
		b.WriteString("'")
	}

	tree, err := pg_query.Parse(b.String())
	if err != nil {
		return nil, fmt.Errorf("build scan filter: %w", err)
	}
	sel := tree.Stmts[0].Stmt

	alias := scan.Alias
	if alias == "" {
		alias = scan.Table
	}
	return &pg_query.Node_RangeSubselect{RangeSubselect: &pg_query.RangeSubselect{
		Subquery: sel,
		Alias:    &pg_query.Alias{Aliasname: alias},
	}}, nil
}
