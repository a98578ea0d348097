// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/juju/cdc/core/changefeed"
)

// dbFlatRecord is the row representation of a flat record.
type dbFlatRecord struct {
	RecordID    string `db:"record_id"`
	Feed        string `db:"feed"`
	Projection  string `db:"projection"`
	SourceKey   string `db:"source_key"`
	Fields      string `db:"fields"`
	NVFIX       string `db:"nvfix"`
	Deleted     bool   `db:"deleted"`
	ResumeToken string `db:"resume_token"`
	ObservedAt  string `db:"observed_at"`
}

type dbRecordID struct {
	RecordID string `db:"record_id"`
}

type dbFeed struct {
	Feed string `db:"feed"`
}

type dbCount struct {
	Count int `db:"count"`
}

type jsonField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func encodeRecord(r changefeed.FlatRecord) (dbFlatRecord, error) {
	fields := make([]jsonField, len(r.Fields))
	for i, f := range r.Fields {
		fields[i] = jsonField{Name: f.Name, Value: f.Value}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return dbFlatRecord{}, errors.Annotatef(err, "encoding fields of record %q", r.RecordID)
	}

	var observed string
	if !r.ObservedAt.IsZero() {
		observed = r.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return dbFlatRecord{
		RecordID:    r.RecordID,
		Feed:        r.Feed,
		Projection:  r.Projection,
		SourceKey:   r.SourceKey,
		Fields:      string(data),
		NVFIX:       r.NVFIX(),
		Deleted:     r.Deleted,
		ResumeToken: string(r.SourceResumeToken),
		ObservedAt:  observed,
	}, nil
}

// toFlatRecord decodes a row. Field values round trip through JSON, so
// integers come back as int64, other numbers as float64 and timestamps as
// RFC3339 strings.
func (r dbFlatRecord) toFlatRecord() (changefeed.FlatRecord, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(r.Fields)))
	dec.UseNumber()

	var fields []jsonField
	if err := dec.Decode(&fields); err != nil {
		return changefeed.FlatRecord{}, errors.Annotatef(err, "decoding fields of record %q", r.RecordID)
	}

	record := changefeed.FlatRecord{
		RecordID:          r.RecordID,
		Feed:              r.Feed,
		Projection:        r.Projection,
		SourceKey:         r.SourceKey,
		Deleted:           r.Deleted,
		SourceResumeToken: changefeed.ResumeToken(r.ResumeToken),
	}
	for _, f := range fields {
		record.Fields = append(record.Fields, changefeed.Field{Name: f.Name, Value: decodeValue(f.Value)})
	}
	if r.ObservedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, r.ObservedAt)
		if err != nil {
			return changefeed.FlatRecord{}, errors.Annotatef(err, "decoding observed time of record %q", r.RecordID)
		}
		record.ObservedAt = t
	}
	return record, nil
}

func decodeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}
