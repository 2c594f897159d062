package server

import (
	"errors"
	"strings"

	"github.com/queryproxy/queryproxy/engine"
	"github.com/queryproxy/queryproxy/hooks"
)

// SQLSTATE codes used on the wire. The mapping from internal errors is
// deliberately a small closed table.
const (
	codeSyntaxError       = "42601"
	codePermissionDenied  = "42501"
	codeReadOnlyViolation = "25006"
	codeUndefinedTable    = "42P01"
	codeInvalidCatalog    = "3D000"
	codeInvalidPassword   = "28P01"
	codeInvalidAuth       = "28000"
	codeProtocolViolation = "08P01"
	codeQueryCanceled     = "57014"
	codeInternalError     = "XX000"
)

// sqlstateFor maps an error from the parse/hook/engine path to the
// SQLSTATE the client sees. The connection stays open for all of these;
// startup failures use the FATAL paths in conn.go instead.
func sqlstateFor(err error) string {
	var roErr *hooks.ReadOnlyViolationError
	var relErr *engine.UndefinedRelationError
	var parseErr *engine.ParseError

	switch {
	case errors.As(err, &roErr):
		return codeReadOnlyViolation
	case errors.As(err, &relErr):
		return codeUndefinedTable
	case errors.As(err, &parseErr):
		return codeSyntaxError
	case errors.Is(err, hooks.ErrNoTenant):
		return codeInvalidAuth
	case isCanceled(err):
		return codeQueryCanceled
	default:
		return codeInternalError
	}
}

func isCanceled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "context canceled")
}
