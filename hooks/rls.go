package hooks

import (
	"errors"

	"github.com/queryproxy/queryproxy/engine"
)

// ErrNoTenant is returned when a connection reaches the RLS hook without an
// authenticated tenant. This should not happen after a successful startup.
var ErrNoTenant = errors.New("no tenant context available, connection may not be properly authenticated")

// RLSHook injects a tenant filter directly below every user-table scan.
// Scans of schema-qualified system tables are exempt; the exemption is
// decided on the parse tree, so a string literal like 'pg_catalog' in a
// WHERE clause cannot bypass it. Because the filter attaches to the scan
// itself, aliasing, CTEs, and set operations above the scan cannot strip
// it.
type RLSHook struct{}

func (RLSHook) Name() string { return "rls" }

func (RLSHook) Apply(p *engine.Plan, sess Session) error {
	if !p.HasUserScans() {
		return nil
	}
	if sess.Tenant == "" {
		return ErrNoTenant
	}
	for _, scan := range p.Scans {
		scan.Filters = append(scan.Filters, engine.Filter{Column: "tenant", Value: sess.Tenant})
	}
	return nil
}
