package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// UnsupportedQueryError marks statements the local evaluator cannot serve.
// It only ever applies to system-catalog and constant queries; user-table
// queries are pushed upstream in full.
type UnsupportedQueryError struct {
	Reason string
}

func (e *UnsupportedQueryError) Error() string { return e.Reason }

func unsupported(format string, args ...any) error {
	return &UnsupportedQueryError{Reason: fmt.Sprintf(format, args...)}
}

// localQuery evaluates statements with no table references: SHOW and
// constant SELECTs (SELECT 1, SELECT version(), ...). Clients fire these on
// connect; answering locally keeps them off the upstream pool.
func (c *Context) localQuery(p *Plan) (*ResultStream, error) {
	if p.Kind == KindShow {
		return c.showVariable(p)
	}
	sel := p.Stmt.Stmt.GetSelectStmt()
	if sel == nil {
		return nil, unsupported("cannot execute %s locally", p.KindName)
	}

	fields := make([]arrow.Field, 0, len(sel.TargetList))
	values := make([]any, 0, len(sel.TargetList))
	for _, tn := range sel.TargetList {
		rt := tn.GetResTarget()
		if rt == nil {
			return nil, unsupported("unsupported select target")
		}
		name, dt, val, err := c.constTarget(rt.Val)
		if err != nil {
			return nil, err
		}
		if rt.Name != "" {
			name = rt.Name
		}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
		values = append(values, val)
	}

	mt := &memTable{schema: arrow.NewSchema(fields, nil), rows: [][]any{values}}
	return mt.stream(), nil
}

func (c *Context) showVariable(p *Plan) (*ResultStream, error) {
	name := p.Stmt.Stmt.GetVariableShowStmt().GetName()
	var value string
	found := false
	for k, v := range c.params {
		if strings.EqualFold(k, name) {
			value, found = v, true
			break
		}
	}
	if !found {
		return nil, unsupported("unrecognized configuration parameter %q", name)
	}

	mt := &memTable{
		schema: arrow.NewSchema([]arrow.Field{utf8Field(name)}, nil),
		rows:   [][]any{{value}},
	}
	return mt.stream(), nil
}

// constTarget evaluates one no-FROM select target.
func (c *Context) constTarget(n *pg_query.Node) (string, arrow.DataType, any, error) {
	switch v := n.Node.(type) {
	case *pg_query.Node_AConst:
		name := "?column?"
		ac := v.AConst
		switch {
		case ac.Isnull:
			return name, arrow.BinaryTypes.String, nil, nil
		case ac.GetIval() != nil:
			return name, arrow.PrimitiveTypes.Int32, ac.GetIval().Ival, nil
		case ac.GetBoolval() != nil:
			return name, arrow.FixedWidthTypes.Boolean, ac.GetBoolval().Boolval, nil
		case ac.GetFval() != nil:
			f, _ := strconv.ParseFloat(ac.GetFval().Fval, 64)
			return name, arrow.PrimitiveTypes.Float64, f, nil
		default:
			return name, arrow.BinaryTypes.String, ac.GetSval().GetSval(), nil
		}
	case *pg_query.Node_TypeCast:
		return c.constTarget(v.TypeCast.Arg)
	case *pg_query.Node_FuncCall:
		name := lastName(v.FuncCall.Funcname)
		switch strings.ToLower(name) {
		case "version":
			return "version", arrow.BinaryTypes.String, "PostgreSQL " + c.params["server_version"], nil
		case "current_database":
			return "current_database", arrow.BinaryTypes.String, c.DataSource, nil
		case "current_schema":
			return "current_schema", arrow.BinaryTypes.String, "public", nil
		}
		return "", nil, nil, unsupported("cannot evaluate function %s() locally", name)
	case *pg_query.Node_ColumnRef:
		// SQLValueFunction-style keywords arrive as column refs.
		return "", nil, nil, unsupported("column reference without FROM clause")
	}
	return "", nil, nil, unsupported("unsupported constant expression")
}

// query serves a system-only statement from the materialized stubs.
func (sc *systemCatalog) query(p *Plan) (*ResultStream, error) {
	sel := p.Stmt.Stmt.GetSelectStmt()
	if sel == nil {
		return nil, unsupported("cannot execute %s against system catalogs", p.KindName)
	}
	if len(p.SystemScans) != 1 || len(sel.FromClause) != 1 {
		return nil, unsupported("system catalog queries may reference a single table")
	}

	scan := p.SystemScans[0]
	mt, ok := sc.lookup(scan.Schema, scan.Table)
	if !ok {
		return nil, &UndefinedRelationError{Schema: scan.Schema, Table: scan.Table}
	}

	// Filter
	var rows [][]any
	for _, row := range mt.rows {
		match, err := evalPredicate(sel.WhereClause, mt, row)
		if err != nil {
			return nil, err
		}
		if match {
			rows = append(rows, row)
		}
	}

	// Order
	if len(sel.SortClause) > 0 {
		if err := sortRows(rows, mt, sel.SortClause); err != nil {
			return nil, err
		}
	}

	// Project
	out, err := project(mt, rows, sel.TargetList)
	if err != nil {
		return nil, err
	}

	if len(sel.DistinctClause) > 0 {
		out.rows = dedupeRows(out.rows)
	}

	// Limit
	if limit, ok := constLimit(sel.LimitCount); ok && int64(len(out.rows)) > limit {
		out.rows = out.rows[:limit]
	}

	return out.stream(), nil
}

func constLimit(n *pg_query.Node) (int64, bool) {
	if n == nil {
		return 0, false
	}
	if ac := n.GetAConst(); ac != nil && ac.GetIval() != nil {
		return int64(ac.GetIval().Ival), true
	}
	return 0, false
}

func dedupeRows(rows [][]any) [][]any {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := fmt.Sprint(row...)
		if !seen[key] {
			seen[key] = true
			out = append(out, row)
		}
	}
	return out
}

func sortRows(rows [][]any, mt *memTable, sortClause []*pg_query.Node) error {
	type sortKey struct {
		col  int
		desc bool
	}
	keys := make([]sortKey, 0, len(sortClause))
	for _, sn := range sortClause {
		sb := sn.GetSortBy()
		if sb == nil {
			return unsupported("unsupported ORDER BY clause")
		}
		cr := sb.Node.GetColumnRef()
		if cr == nil {
			return unsupported("ORDER BY supports column names only")
		}
		idx, ok := columnIndex(mt, lastName(cr.Fields))
		if !ok {
			return unsupported("unknown ORDER BY column")
		}
		keys = append(keys, sortKey{col: idx, desc: sb.SortbyDir == pg_query.SortByDir_SORTBY_DESC})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, k := range keys {
			av, bv := fmt.Sprint(a[k.col]), fmt.Sprint(b[k.col])
			if av == bv {
				continue
			}
			if k.desc {
				return av > bv
			}
			return av < bv
		}
		return false
	})
	return nil
}

// project selects output columns from filtered rows.
func project(mt *memTable, rows [][]any, targets []*pg_query.Node) (*memTable, error) {
	var fields []arrow.Field
	var extract []func(row []any) any

	for _, tn := range targets {
		rt := tn.GetResTarget()
		if rt == nil || rt.Val == nil {
			return nil, unsupported("unsupported select target")
		}
		switch v := rt.Val.Node.(type) {
		case *pg_query.Node_ColumnRef:
			if hasStar(v.ColumnRef) {
				for i, f := range mt.schema.Fields() {
					fields = append(fields, f)
					extract = append(extract, func(row []any) any { return row[i] })
				}
				continue
			}
			name := lastName(v.ColumnRef.Fields)
			idx, ok := columnIndex(mt, name)
			if !ok {
				return nil, unsupported("column %q does not exist", name)
			}
			f := mt.schema.Field(idx)
			if rt.Name != "" {
				f.Name = rt.Name
			}
			fields = append(fields, f)
			extract = append(extract, func(row []any) any { return row[idx] })
		case *pg_query.Node_AConst:
			name := "?column?"
			if rt.Name != "" {
				name = rt.Name
			}
			val, dt := constValue(v.AConst)
			fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
			extract = append(extract, func([]any) any { return val })
		default:
			return nil, unsupported("unsupported expression in system catalog query")
		}
	}

	out := &memTable{schema: arrow.NewSchema(fields, nil)}
	for _, row := range rows {
		orow := make([]any, len(extract))
		for i, fn := range extract {
			orow[i] = fn(row)
		}
		out.rows = append(out.rows, orow)
	}
	return out, nil
}

func constValue(ac *pg_query.A_Const) (any, arrow.DataType) {
	switch {
	case ac.Isnull:
		return nil, arrow.BinaryTypes.String
	case ac.GetIval() != nil:
		return ac.GetIval().Ival, arrow.PrimitiveTypes.Int32
	case ac.GetBoolval() != nil:
		return ac.GetBoolval().Boolval, arrow.FixedWidthTypes.Boolean
	default:
		return ac.GetSval().GetSval(), arrow.BinaryTypes.String
	}
}

func hasStar(cr *pg_query.ColumnRef) bool {
	for _, f := range cr.Fields {
		if f.GetAStar() != nil {
			return true
		}
	}
	return false
}

func lastName(fields []*pg_query.Node) string {
	name := ""
	for _, f := range fields {
		if s := f.GetString_(); s != nil {
			name = s.Sval
		}
	}
	return name
}

func columnIndex(mt *memTable, name string) (int, bool) {
	for i, f := range mt.schema.Fields() {
		if strings.EqualFold(f.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// evalPredicate evaluates a WHERE subtree against one row. Fails closed:
// operators outside the supported set are an error, not a pass.
func evalPredicate(n *pg_query.Node, mt *memTable, row []any) (bool, error) {
	if n == nil {
		return true, nil
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_BoolExpr:
		switch v.BoolExpr.Boolop {
		case pg_query.BoolExprType_AND_EXPR:
			for _, arg := range v.BoolExpr.Args {
				ok, err := evalPredicate(arg, mt, row)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case pg_query.BoolExprType_OR_EXPR:
			for _, arg := range v.BoolExpr.Args {
				ok, err := evalPredicate(arg, mt, row)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case pg_query.BoolExprType_NOT_EXPR:
			ok, err := evalPredicate(v.BoolExpr.Args[0], mt, row)
			return !ok, err
		}
	case *pg_query.Node_NullTest:
		cr := v.NullTest.Arg.GetColumnRef()
		if cr == nil {
			return false, unsupported("unsupported NULL test")
		}
		idx, ok := columnIndex(mt, lastName(cr.Fields))
		if !ok {
			return false, unsupported("unknown column in NULL test")
		}
		isNull := row[idx] == nil
		if v.NullTest.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
			return !isNull, nil
		}
		return isNull, nil
	case *pg_query.Node_AExpr:
		return evalComparison(v.AExpr, mt, row)
	}
	return false, unsupported("unsupported WHERE clause in system catalog query")
}

func evalComparison(e *pg_query.A_Expr, mt *memTable, row []any) (bool, error) {
	lhs, err := operandValue(e.Lexpr, mt, row)
	if err != nil {
		return false, err
	}
	rhs, err := operandValue(e.Rexpr, mt, row)
	if err != nil {
		return false, err
	}

	op := lastName(e.Name)
	switch op {
	case "=":
		return compareEqual(lhs, rhs), nil
	case "<>", "!=":
		return !compareEqual(lhs, rhs), nil
	case "~~": // LIKE
		return likeMatch(fmt.Sprint(lhs), fmt.Sprint(rhs)), nil
	case "!~~": // NOT LIKE
		return !likeMatch(fmt.Sprint(lhs), fmt.Sprint(rhs)), nil
	}
	return false, unsupported("unsupported operator %q in system catalog query", op)
}

func operandValue(n *pg_query.Node, mt *memTable, row []any) (any, error) {
	if n == nil {
		return nil, unsupported("missing operand")
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		idx, ok := columnIndex(mt, lastName(v.ColumnRef.Fields))
		if !ok {
			return nil, unsupported("column %q does not exist", lastName(v.ColumnRef.Fields))
		}
		return row[idx], nil
	case *pg_query.Node_AConst:
		val, _ := constValue(v.AConst)
		return val, nil
	case *pg_query.Node_TypeCast:
		return operandValue(v.TypeCast.Arg, mt, row)
	}
	return nil, unsupported("unsupported operand in system catalog query")
}

func compareEqual(a, b any) bool {
	ai, aok := toInt64(a)
	bi, bok := toInt64(b)
	if aok && bok {
		return ai == bi
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func likeMatch(s, pattern string) bool {
	var re strings.Builder
	re.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			re.WriteString(".*")
		case '_':
			re.WriteString(".")
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re.WriteString("$")
	matched, err := regexp.MatchString(re.String(), s)
	return err == nil && matched
}

// stream renders the table as a single-batch result stream.
func (mt *memTable) stream() *ResultStream {
	done := false
	return &ResultStream{
		Schema: mt.schema,
		next: func() (arrow.RecordBatch, error) {
			if done || len(mt.rows) == 0 {
				done = true
				return nil, nil
			}
			done = true
			builder := array.NewRecordBuilder(memory.DefaultAllocator, mt.schema)
			defer builder.Release()
			for _, row := range mt.rows {
				for i := range mt.schema.Fields() {
					appendValue(builder.Field(i), row[i])
				}
			}
			return builder.NewRecordBatch(), nil
		},
	}
}
