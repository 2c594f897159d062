package hooks

import (
	"fmt"

	"github.com/queryproxy/queryproxy/engine"
)

// ReadOnlyViolationError rejects a non-read statement (SQLSTATE 25006 on
// the wire).
type ReadOnlyViolationError struct {
	Statement string
}

func (e *ReadOnlyViolationError) Error() string {
	return fmt.Sprintf("cannot execute %s in a read-only transaction", e.Statement)
}

// ReadOnlyHook rejects any statement that is not a read. This is an
// allowlist; any new statement shape must be reviewed before being added.
type ReadOnlyHook struct{}

func (ReadOnlyHook) Name() string { return "read_only" }

func (ReadOnlyHook) Apply(p *engine.Plan, _ Session) error {
	switch p.Kind {
	case engine.KindSelect, engine.KindExplain, engine.KindShow:
		// Writable CTEs parse as a read shape with a write nested inside.
		if p.ContainsWrites() {
			return &ReadOnlyViolationError{Statement: p.KindName}
		}
		return nil
	}
	return &ReadOnlyViolationError{Statement: p.KindName}
}
