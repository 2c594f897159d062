package engine

import (
	"strings"
	"testing"
)

func mustParseOne(t *testing.T, sql string) *Plan {
	t.Helper()
	plans, err := ParseSQL(sql)
	if err != nil {
		t.Fatalf("ParseSQL(%q): %v", sql, err)
	}
	if len(plans) != 1 {
		t.Fatalf("ParseSQL(%q): got %d plans, want 1", sql, len(plans))
	}
	return plans[0]
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		sql  string
		kind StatementKind
	}{
		{"SELECT 1", KindSelect},
		{"EXPLAIN SELECT 1", KindExplain},
		{"SHOW server_version", KindShow},
		{"INSERT INTO t VALUES (1)", KindOther},
		{"UPDATE t SET x = 1", KindOther},
		{"DELETE FROM orders", KindOther},
		{"DROP TABLE t", KindOther},
		{"SET search_path = public", KindOther},
		{"CREATE TABLE t (id int)", KindOther},
		{"BEGIN", KindOther},
	}
	for _, tc := range cases {
		p := mustParseOne(t, tc.sql)
		if p.Kind != tc.kind {
			t.Errorf("%q: kind = %v (%s), want %v", tc.sql, p.Kind, p.KindName, tc.kind)
		}
	}
}

func TestCollectScansSystemVsUser(t *testing.T) {
	p := mustParseOne(t, "SELECT relname FROM pg_catalog.pg_class LIMIT 1")
	if len(p.Scans) != 0 || len(p.SystemScans) != 1 {
		t.Fatalf("qualified pg_class: user=%d system=%d", len(p.Scans), len(p.SystemScans))
	}
	if !p.SystemOnly() {
		t.Error("qualified pg_class query should be system-only")
	}

	// Unqualified pg_class is a user table: no exemption without an
	// explicit schema qualifier.
	p = mustParseOne(t, "SELECT relname FROM pg_class")
	if len(p.Scans) != 1 || p.SystemOnly() {
		t.Errorf("bare pg_class: user=%d systemOnly=%v, want user table", len(p.Scans), p.SystemOnly())
	}

	// A string literal naming a system schema is not a table reference.
	p = mustParseOne(t, "SELECT * FROM users WHERE name = 'pg_catalog'")
	if len(p.Scans) != 1 || p.SystemOnly() {
		t.Error("string literal must not make a query system-only")
	}

	p = mustParseOne(t, "SELECT 1")
	if p.SystemOnly() || p.HasUserScans() {
		t.Error("constant query has no scans at all")
	}
}

func TestCollectScansThroughCTEsAndUnions(t *testing.T) {
	p := mustParseOne(t, `WITH c AS (SELECT * FROM orders) SELECT * FROM c UNION ALL SELECT * FROM archive.orders`)
	// `c` is a CTE reference but also arrives as a RangeVar; orders and
	// archive.orders must both be found.
	names := map[string]bool{}
	for _, s := range p.Scans {
		names[s.Table] = true
	}
	if !names["orders"] {
		t.Errorf("missing scans, got %v", names)
	}
	if len(p.Scans) < 2 {
		t.Errorf("expected scans inside CTE and union arms, got %d", len(p.Scans))
	}
}

func TestCollectScansInSubquery(t *testing.T) {
	p := mustParseOne(t, "SELECT * FROM t1 WHERE id IN (SELECT id FROM t2)")
	if len(p.Scans) != 2 {
		t.Fatalf("expected 2 scans, got %d", len(p.Scans))
	}
}

func TestCompileInjectsFilterBelowScan(t *testing.T) {
	p := mustParseOne(t, "SELECT id FROM public.orders o WHERE o.id > 5")
	p.Scans[0].Filters = append(p.Scans[0].Filters, Filter{Column: "tenant", Value: "acme"})

	sql, err := p.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	lower := strings.ToLower(sql)
	if !strings.Contains(lower, "tenant = 'acme'") {
		t.Errorf("compiled SQL missing tenant filter: %s", sql)
	}
	// The scan must be wrapped in a derived subquery carrying the filter,
	// so the predicate sits below anything layered above the scan.
	filterIdx := strings.Index(lower, "tenant = 'acme'")
	closeIdx := strings.Index(lower[filterIdx:], ")")
	if closeIdx < 0 {
		t.Errorf("tenant filter not inside a derived subquery: %s", sql)
	}
	// The alias keeps outer references (o.id) working.
	if !strings.Contains(lower, "o.id") && !strings.Contains(lower, `"o".`) {
		t.Errorf("compiled SQL lost the alias: %s", sql)
	}
}

func TestCompileEscapesTenantValue(t *testing.T) {
	p := mustParseOne(t, "SELECT id FROM orders")
	p.Scans[0].Filters = append(p.Scans[0].Filters, Filter{Column: "tenant", Value: "o'brien"})

	sql, err := p.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(sql, "o''brien") {
		t.Errorf("tenant value not escaped: %s", sql)
	}
}

func TestBindParamsMatchesSimplePath(t *testing.T) {
	extended := mustParseOne(t, "SELECT id FROM orders WHERE name = $1 AND note = $2")
	v := "alice"
	if err := extended.BindParams([]*string{&v, nil}); err != nil {
		t.Fatalf("BindParams: %v", err)
	}

	sql, err := extended.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(sql, "'alice'") {
		t.Errorf("parameter not substituted as literal: %s", sql)
	}
	if !strings.Contains(strings.ToUpper(sql), "NULL") {
		t.Errorf("NULL parameter not substituted: %s", sql)
	}
}

func TestBindParamsMissingValue(t *testing.T) {
	p := mustParseOne(t, "SELECT * FROM t WHERE a = $1 AND b = $2")
	v := "x"
	if err := p.BindParams([]*string{&v}); err == nil {
		t.Fatal("expected error for missing $2")
	}
}

func TestParamCount(t *testing.T) {
	p := mustParseOne(t, "SELECT * FROM t WHERE a = $2 OR b = $1")
	if got := p.ParamCount(); got != 2 {
		t.Errorf("ParamCount = %d, want 2", got)
	}
	if got := mustParseOne(t, "SELECT 1").ParamCount(); got != 0 {
		t.Errorf("ParamCount = %d, want 0", got)
	}
}

func TestParseSQLSyntaxError(t *testing.T) {
	_, err := ParseSQL("SELEKT 1")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Errorf("expected *ParseError, got %T", err)
	}
}
