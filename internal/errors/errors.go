// Package errors carries the acquisition error taxonomy on top of
// github.com/cockroachdb/errors.
//
// Errors are classified by marking rather than by wrapping types, so a
// classified error keeps its class through any number of Wrap calls:
//
//	err = errors.Transient(errors.Wrap(err, "fetch report"))
//	if errors.Is(err, errors.ErrTransientFetch) { ... }
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	WithHint     = crdb.WithHint
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	FlattenHints = crdb.FlattenHints
)

// Taxonomy sentinels. Use them with Is; never compare messages.
var (
	// ErrTransientFetch covers timeouts, 5xx and connection resets. Retryable.
	ErrTransientFetch = New("transient fetch error")
	// ErrPermanentFetch covers 404/403 and other non-retryable responses.
	ErrPermanentFetch = New("permanent fetch error")
	// ErrValidation marks fetched bytes that are not an acceptable document.
	ErrValidation = New("validation error")
	// ErrParse marks source content that could not be parsed.
	ErrParse = New("parse error")
	// ErrStore marks an unreachable or failing persistence collaborator.
	ErrStore = New("store error")
	// ErrDuplicate is returned by stores on a uniqueness conflict.
	ErrDuplicate = New("duplicate record")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = New("not found")
	// ErrMisconfigured marks a collaborator that lacks required settings.
	ErrMisconfigured = New("misconfigured")
)

// Transient marks err as a retryable fetch failure.
func Transient(err error) error { return mark(err, ErrTransientFetch) }

// Permanent marks err as a non-retryable fetch failure.
func Permanent(err error) error { return mark(err, ErrPermanentFetch) }

// Validation marks err as a content validation failure.
func Validation(err error) error { return mark(err, ErrValidation) }

// Parse marks err as a source parse failure.
func Parse(err error) error { return mark(err, ErrParse) }

// Store marks err as a persistence failure.
func Store(err error) error { return mark(err, ErrStore) }

func mark(err, class error) error {
	if err == nil {
		return nil
	}
	return Mark(err, class)
}

// IsFetch reports whether err is a fetch failure of either class.
func IsFetch(err error) bool {
	return IsAny(err, ErrTransientFetch, ErrPermanentFetch)
}

// IsRetryable reports whether a fetch may be retried within the same tier pass.
func IsRetryable(err error) bool {
	return Is(err, ErrTransientFetch)
}

// Class returns a short, stable label for err suitable for persisted failure
// reasons and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrTransientFetch):
		return "transient"
	case Is(err, ErrPermanentFetch):
		return "permanent"
	case Is(err, ErrValidation):
		return "validation"
	case Is(err, ErrParse):
		return "parse"
	case Is(err, ErrStore):
		return "store"
	default:
		return "unknown"
	}
}
