package hooks

import (
	"strings"
	"testing"
)

func TestRLSInjectsTenantFilter(t *testing.T) {
	p := planFor(t, "SELECT id FROM public.orders")
	if err := (RLSHook{}).Apply(p, Session{Username: "alice", Tenant: "acme"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(p.Scans) != 1 {
		t.Fatalf("scans = %d", len(p.Scans))
	}
	f := p.Scans[0].Filters
	if len(f) != 1 || f[0].Column != "tenant" || f[0].Value != "acme" {
		t.Errorf("filters = %v", f)
	}

	sql, err := p.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(strings.ToLower(sql), "tenant = 'acme'") {
		t.Errorf("compiled SQL missing tenant predicate: %s", sql)
	}
}

func TestRLSFiltersEveryScan(t *testing.T) {
	p := planFor(t, "SELECT * FROM orders o JOIN invoices i ON o.id = i.order_id UNION ALL SELECT * FROM archive")
	if err := (RLSHook{}).Apply(p, Session{Tenant: "acme"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, scan := range p.Scans {
		if len(scan.Filters) != 1 {
			t.Errorf("scan %s has %d filters, want 1", scan.Table, len(scan.Filters))
		}
	}
}

func TestRLSSkipsSystemOnlyQuery(t *testing.T) {
	p := planFor(t, "SELECT relname FROM pg_catalog.pg_class")
	if err := (RLSHook{}).Apply(p, Session{Tenant: "acme"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.SystemScans) != 1 || len(p.SystemScans[0].Filters) != 0 {
		t.Error("system scan must not receive a tenant filter")
	}
}

// An unqualified pg_class reference is a user table and gets filtered.
func TestRLSUnqualifiedSystemNameIsFiltered(t *testing.T) {
	p := planFor(t, "SELECT * FROM pg_class")
	if err := (RLSHook{}).Apply(p, Session{Tenant: "acme"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.Scans) != 1 || len(p.Scans[0].Filters) != 1 {
		t.Error("bare pg_class must be treated as a user table")
	}
}

// String literals naming system schemas do not exempt the query.
func TestRLSBypassAttemptViaLiteral(t *testing.T) {
	p := planFor(t, "SELECT * FROM users WHERE name = 'pg_catalog'")
	if err := (RLSHook{}).Apply(p, Session{Tenant: "acme"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.Scans[0].Filters) != 1 {
		t.Error("literal mention of pg_catalog must not bypass RLS")
	}
}

func TestRLSRequiresTenant(t *testing.T) {
	p := planFor(t, "SELECT * FROM orders")
	if err := (RLSHook{}).Apply(p, Session{}); err != ErrNoTenant {
		t.Errorf("expected ErrNoTenant, got %v", err)
	}
}

func TestPipelineOrder(t *testing.T) {
	pipeline := Pipeline()
	if len(pipeline) != 2 {
		t.Fatalf("pipeline length = %d", len(pipeline))
	}
	if pipeline[0].Name() != "read_only" || pipeline[1].Name() != "rls" {
		t.Errorf("pipeline order wrong: %s, %s", pipeline[0].Name(), pipeline[1].Name())
	}
}

// The gate must run before RLS: a DELETE never reaches the rewrite stage.
func TestPipelineRejectsWriteBeforeRewrite(t *testing.T) {
	p := planFor(t, "DELETE FROM orders")
	err := Apply(Pipeline(), p, Session{Tenant: "acme"})
	if _, ok := err.(*ReadOnlyViolationError); !ok {
		t.Fatalf("expected read-only violation, got %v", err)
	}
	for _, scan := range p.Scans {
		if len(scan.Filters) != 0 {
			t.Error("rejected statement must not be rewritten")
		}
	}
}
