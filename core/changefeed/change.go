// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// OperationKind represents the kind of mutation observed on the source.
type OperationKind int

const (
	// Insert represents a new document in the source collection.
	Insert OperationKind = iota + 1
	// Update represents a partial update to an existing document.
	Update
	// Replace represents a full replacement of an existing document.
	Replace
	// Delete represents a document that has been removed. The payload of a
	// delete is not guaranteed to be present.
	Delete
)

// AllKinds returns every defined operation kind, in declaration order.
func AllKinds() []OperationKind {
	return []OperationKind{Insert, Update, Replace, Delete}
}

// String returns the lower case name of the operation kind.
func (k OperationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Replace:
		return "replace"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Validate returns an error if the kind is not one of the defined values.
func (k OperationKind) Validate() error {
	switch k {
	case Insert, Update, Replace, Delete:
		return nil
	}
	return errors.NotValidf("operation kind %d", int(k))
}

// ParseOperationKind parses the lower case name of an operation kind.
func ParseOperationKind(s string) (OperationKind, error) {
	for _, k := range AllKinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, errors.NotValidf("operation kind %q", s)
}

// ResumeToken is an opaque position marker within a feed. Tokens produced
// by the same feed are totally ordered by feed position, although that order
// is only known to the feed itself. The zero value represents "no position".
type ResumeToken string

// IsZero reports whether the token represents no position.
func (t ResumeToken) IsZero() bool {
	return t == ""
}

// ChangeEvent represents one mutation observed on the source.
type ChangeEvent struct {
	// Kind is the kind of mutation.
	Kind OperationKind
	// SourceKey identifies the mutated source document, unique within a
	// feed.
	SourceKey string
	// Payload is the full current state of the document. It may be nil for
	// deletes.
	Payload map[string]any
	// ResumeToken is the feed position of this event.
	ResumeToken ResumeToken
	// ObservedAt is the time assigned to the event by the source. It is only
	// used for diagnostics.
	ObservedAt time.Time
}

// Field is a single flattened name/value pair. Value is always a scalar:
// string, int64, float64, bool, time.Time or nil.
type Field struct {
	Name  string
	Value any
}

// FlatRecord is the output of transforming a ChangeEvent.
type FlatRecord struct {
	// RecordID is derived deterministically from the feed, the source key
	// and the projection, so re-processing an event yields the same id.
	RecordID string
	// Feed is the feed identity the record was derived from.
	Feed string
	// Projection is the transform stage discriminator.
	Projection string
	// SourceKey is copied from the originating event.
	SourceKey string
	// Fields holds the flattened projection of the payload, ordered by name.
	Fields []Field
	// Deleted marks the record as a tombstone.
	Deleted bool
	// SourceResumeToken is copied from the originating event.
	SourceResumeToken ResumeToken
	// ObservedAt is copied from the originating event.
	ObservedAt time.Time
}

// FieldMap returns the fields of the record as a map.
func (r FlatRecord) FieldMap() map[string]any {
	m := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return m
}
