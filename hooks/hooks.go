// Package hooks is the query governance pipeline: every parsed statement
// runs through the hooks in fixed order before the engine may execute it.
package hooks

import (
	"github.com/queryproxy/queryproxy/engine"
)

// Session is the authenticated connection state hooks may consult. The
// tenant comes from the user store at authentication time, never from
// client input.
type Session struct {
	Username string
	Tenant   string
}

// Hook validates or rewrites a logical plan. Returning an error rejects the
// statement; the connection stays open.
type Hook interface {
	Name() string
	Apply(p *engine.Plan, sess Session) error
}

// Pipeline returns the hooks in their fixed execution order. Ordering is
// load-bearing: the read-only gate must run before any rewriting hook.
func Pipeline() []Hook {
	return []Hook{
		ReadOnlyHook{},
		RLSHook{},
	}
}

// Apply runs every hook in order, stopping at the first rejection.
func Apply(pipeline []Hook, p *engine.Plan, sess Session) error {
	for _, h := range pipeline {
		if err := h.Apply(p, sess); err != nil {
			return err
		}
	}
	return nil
}
