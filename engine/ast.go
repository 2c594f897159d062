package engine

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// walkNode recursively walks a parse-tree node and its children, calling fn
// for each node wrapper before descending. fn may mutate node.Node in place
// (this is how parameter substitution and scan rewriting work). Returning
// false stops the walk.
func walkNode(node *pg_query.Node, fn func(*pg_query.Node) bool) bool {
	if node == nil {
		return true
	}
	if !fn(node) {
		return false
	}

	walkAll := func(nodes []*pg_query.Node) bool {
		for _, n := range nodes {
			if !walkNode(n, fn) {
				return false
			}
		}
		return true
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		s := n.SelectStmt
		if s == nil {
			return true
		}
		if s.WithClause != nil && !walkAll(s.WithClause.Ctes) {
			return false
		}
		if !walkAll(s.DistinctClause) || !walkAll(s.TargetList) || !walkAll(s.FromClause) {
			return false
		}
		if !walkNode(s.WhereClause, fn) {
			return false
		}
		if !walkAll(s.GroupClause) || !walkNode(s.HavingClause, fn) || !walkAll(s.WindowClause) {
			return false
		}
		for _, vl := range s.ValuesLists {
			if !walkNode(vl, fn) {
				return false
			}
		}
		if !walkAll(s.SortClause) || !walkNode(s.LimitOffset, fn) || !walkNode(s.LimitCount, fn) {
			return false
		}
		if s.Larg != nil && !walkNode(&pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: s.Larg}}, fn) {
			return false
		}
		if s.Rarg != nil && !walkNode(&pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: s.Rarg}}, fn) {
			return false
		}
	case *pg_query.Node_CommonTableExpr:
		if n.CommonTableExpr != nil {
			return walkNode(n.CommonTableExpr.Ctequery, fn)
		}
	case *pg_query.Node_JoinExpr:
		if j := n.JoinExpr; j != nil {
			return walkNode(j.Larg, fn) && walkNode(j.Rarg, fn) && walkNode(j.Quals, fn)
		}
	case *pg_query.Node_RangeSubselect:
		if n.RangeSubselect != nil {
			return walkNode(n.RangeSubselect.Subquery, fn)
		}
	case *pg_query.Node_RangeFunction:
		if n.RangeFunction != nil {
			return walkAll(n.RangeFunction.Functions)
		}
	case *pg_query.Node_ResTarget:
		if n.ResTarget != nil {
			return walkNode(n.ResTarget.Val, fn)
		}
	case *pg_query.Node_AExpr:
		if n.AExpr != nil {
			return walkNode(n.AExpr.Lexpr, fn) && walkNode(n.AExpr.Rexpr, fn)
		}
	case *pg_query.Node_BoolExpr:
		if n.BoolExpr != nil {
			return walkAll(n.BoolExpr.Args)
		}
	case *pg_query.Node_SubLink:
		if n.SubLink != nil {
			return walkNode(n.SubLink.Testexpr, fn) && walkNode(n.SubLink.Subselect, fn)
		}
	case *pg_query.Node_FuncCall:
		if n.FuncCall != nil {
			if !walkAll(n.FuncCall.Args) {
				return false
			}
			return walkNode(n.FuncCall.AggFilter, fn)
		}
	case *pg_query.Node_TypeCast:
		if n.TypeCast != nil {
			return walkNode(n.TypeCast.Arg, fn)
		}
	case *pg_query.Node_CaseExpr:
		if c := n.CaseExpr; c != nil {
			if !walkNode(c.Arg, fn) || !walkAll(c.Args) {
				return false
			}
			return walkNode(c.Defresult, fn)
		}
	case *pg_query.Node_CaseWhen:
		if n.CaseWhen != nil {
			return walkNode(n.CaseWhen.Expr, fn) && walkNode(n.CaseWhen.Result, fn)
		}
	case *pg_query.Node_CoalesceExpr:
		if n.CoalesceExpr != nil {
			return walkAll(n.CoalesceExpr.Args)
		}
	case *pg_query.Node_MinMaxExpr:
		if n.MinMaxExpr != nil {
			return walkAll(n.MinMaxExpr.Args)
		}
	case *pg_query.Node_NullTest:
		if n.NullTest != nil {
			return walkNode(n.NullTest.Arg, fn)
		}
	case *pg_query.Node_BooleanTest:
		if n.BooleanTest != nil {
			return walkNode(n.BooleanTest.Arg, fn)
		}
	case *pg_query.Node_AIndirection:
		if n.AIndirection != nil {
			return walkNode(n.AIndirection.Arg, fn)
		}
	case *pg_query.Node_AArrayExpr:
		if n.AArrayExpr != nil {
			return walkAll(n.AArrayExpr.Elements)
		}
	case *pg_query.Node_RowExpr:
		if n.RowExpr != nil {
			return walkAll(n.RowExpr.Args)
		}
	case *pg_query.Node_SortBy:
		if n.SortBy != nil {
			return walkNode(n.SortBy.Node, fn)
		}
	case *pg_query.Node_WindowDef:
		if w := n.WindowDef; w != nil {
			return walkAll(w.PartitionClause) && walkAll(w.OrderClause)
		}
	case *pg_query.Node_GroupingSet:
		if n.GroupingSet != nil {
			return walkAll(n.GroupingSet.Content)
		}
	case *pg_query.Node_List:
		if n.List != nil {
			return walkAll(n.List.Items)
		}
	case *pg_query.Node_ExplainStmt:
		if n.ExplainStmt != nil {
			return walkNode(n.ExplainStmt.Query, fn)
		}
	case *pg_query.Node_InsertStmt:
		if i := n.InsertStmt; i != nil {
			return walkNode(i.SelectStmt, fn)
		}
	case *pg_query.Node_UpdateStmt:
		if u := n.UpdateStmt; u != nil {
			return walkAll(u.FromClause) && walkNode(u.WhereClause, fn)
		}
	case *pg_query.Node_DeleteStmt:
		if d := n.DeleteStmt; d != nil {
			return walkAll(d.UsingClause) && walkNode(d.WhereClause, fn)
		}
	}
	return true
}
