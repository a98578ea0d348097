// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

import "fmt"

// Error is returned when a change event cannot be converted into flat
// records. No records are ever returned alongside an Error.
type Error struct {
	// SourceKey identifies the offending source document.
	SourceKey string
	// Cause describes why the event could not be converted.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Cause == nil {
		return "transform failed"
	}
	return fmt.Sprintf("transforming %q: %v", e.SourceKey, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }
