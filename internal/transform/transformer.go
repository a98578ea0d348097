// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transform

import (
	"strings"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"
	"github.com/juju/gojsonschema"

	"github.com/juju/cdc/core/changefeed"
)

const (
	// DefaultProjection is the name of the projection used when none are
	// configured. It includes every field of the payload.
	DefaultProjection = "doc"

	// DefaultMaxDepth is the default nesting limit when flattening.
	DefaultMaxDepth = 32
)

// recordNamespace roots the name based UUIDs used for record ids. Changing
// it changes every record id, so it must never change.
var recordNamespace = uuid.MustParse("6f1c9d1e-3b5a-4c47-9a43-0d1c2f8e7b61")

// Projection selects a subset of the flattened fields of a payload and
// emits them as their own record.
type Projection struct {
	// Name is the projection's discriminator. It takes part in the record
	// id, so it must be unique for a transformer.
	Name string
	// Include lists dotted path prefixes to keep. A field is kept if its
	// name equals a prefix or starts with the prefix followed by a ".".
	// An empty list keeps every field.
	Include []string
}

func (p Projection) includes(name string) bool {
	if len(p.Include) == 0 {
		return true
	}
	for _, prefix := range p.Include {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// Config holds the configuration of a Transformer.
type Config struct {
	// Feed is the feed identity; it namespaces the record ids.
	Feed string
	// Projections lists the records emitted for every event. If empty, a
	// single DefaultProjection of all fields is used.
	Projections []Projection
	// Kinds restricts the operation kinds that emit records. Events of
	// other kinds produce no records. If empty, all kinds emit records.
	Kinds []changefeed.OperationKind
	// Schema is an optional JSON schema that every non-delete payload must
	// satisfy.
	Schema string
	// MaxDepth limits document nesting. Zero means DefaultMaxDepth.
	MaxDepth int
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Feed == "" {
		return errors.NotValidf("empty Feed")
	}
	if c.MaxDepth < 0 {
		return errors.NotValidf("negative MaxDepth")
	}
	names := set.NewStrings()
	for _, p := range c.Projections {
		if p.Name == "" {
			return errors.NotValidf("empty Projection name")
		}
		if names.Contains(p.Name) {
			return errors.NotValidf("duplicate Projection %q", p.Name)
		}
		names.Add(p.Name)
	}
	for _, k := range c.Kinds {
		if err := k.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Transformer maps change events to flat records. It holds no mutable state
// and is safe for concurrent use.
type Transformer struct {
	feed        string
	namespace   uuid.UUID
	projections []Projection
	kinds       set.Strings
	schema      *gojsonschema.Schema
	maxDepth    int
}

// New returns a Transformer for the given config.
func New(cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	projections := cfg.Projections
	if len(projections) == 0 {
		projections = []Projection{{Name: DefaultProjection}}
	}

	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = changefeed.AllKinds()
	}

	maxDepth := cfg.MaxDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxDepth
	}

	kindNames := transform.Slice(kinds, func(k changefeed.OperationKind) string {
		return k.String()
	})

	t := &Transformer{
		feed:        cfg.Feed,
		namespace:   uuid.NewSHA1(recordNamespace, []byte(cfg.Feed)),
		projections: projections,
		kinds:       set.NewStrings(kindNames...),
		maxDepth:    maxDepth,
	}

	if cfg.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.Schema))
		if err != nil {
			return nil, errors.Annotate(err, "compiling payload schema")
		}
		t.schema = schema
	}
	return t, nil
}

// RecordID returns the record id for the given source key and projection.
func (t *Transformer) RecordID(sourceKey, projection string) string {
	return uuid.NewSHA1(t.namespace, []byte(sourceKey+"\x00"+projection)).String()
}

// Transform converts a change event into flat records, one per projection.
// Deletes produce tombstone records with the same ids as the live records.
// Events whose kind is not selected produce no records. On failure a
// *Error is returned and no records.
func (t *Transformer) Transform(event changefeed.ChangeEvent) ([]changefeed.FlatRecord, error) {
	if err := event.Kind.Validate(); err != nil {
		return nil, &Error{SourceKey: event.SourceKey, Cause: err}
	}
	if event.SourceKey == "" {
		return nil, &Error{Cause: errors.NotValidf("empty source key")}
	}
	if !t.kinds.Contains(event.Kind.String()) {
		return nil, nil
	}

	if event.Kind == changefeed.Delete {
		return t.tombstones(event), nil
	}

	if event.Payload == nil {
		return nil, &Error{
			SourceKey: event.SourceKey,
			Cause:     errors.NotValidf("missing payload for %s", event.Kind),
		}
	}
	if err := t.validate(event.Payload); err != nil {
		return nil, &Error{SourceKey: event.SourceKey, Cause: err}
	}

	fields, err := flatten(event.Payload, t.maxDepth)
	if err != nil {
		return nil, &Error{SourceKey: event.SourceKey, Cause: err}
	}

	records := make([]changefeed.FlatRecord, len(t.projections))
	for i, p := range t.projections {
		record := t.record(event, p.Name)
		for _, f := range fields {
			if p.includes(f.Name) {
				record.Fields = append(record.Fields, f)
			}
		}
		records[i] = record
	}
	return records, nil
}

func (t *Transformer) tombstones(event changefeed.ChangeEvent) []changefeed.FlatRecord {
	records := make([]changefeed.FlatRecord, len(t.projections))
	for i, p := range t.projections {
		record := t.record(event, p.Name)
		record.Deleted = true
		records[i] = record
	}
	return records
}

func (t *Transformer) record(event changefeed.ChangeEvent, projection string) changefeed.FlatRecord {
	return changefeed.FlatRecord{
		RecordID:          t.RecordID(event.SourceKey, projection),
		Feed:              t.feed,
		Projection:        projection,
		SourceKey:         event.SourceKey,
		SourceResumeToken: event.ResumeToken,
		ObservedAt:        event.ObservedAt,
	}
}

func (t *Transformer) validate(payload map[string]any) error {
	if t.schema == nil {
		return nil
	}
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return errors.Annotate(err, "validating payload")
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return errors.Errorf("payload does not match schema: %s", strings.Join(reasons, "; "))
}
