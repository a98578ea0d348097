// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/internal/database"
)

// State persists flat records. It implements changefeed.Sink.
type State struct {
	db database.TxnRunner

	upsertStmt *sqlair.Statement
	getStmt    *sqlair.Statement
	countStmt  *sqlair.Statement
}

// NewState returns a new State backed by the given database.
func NewState(db database.TxnRunner) (*State, error) {
	upsertStmt, err := sqlair.Prepare(`
INSERT INTO flat_record (record_id, feed, projection, source_key, fields, nvfix, deleted, resume_token, observed_at)
VALUES ($dbFlatRecord.*)
ON CONFLICT (record_id) DO UPDATE SET
    feed = excluded.feed,
    projection = excluded.projection,
    source_key = excluded.source_key,
    fields = excluded.fields,
    nvfix = excluded.nvfix,
    deleted = excluded.deleted,
    resume_token = excluded.resume_token,
    observed_at = excluded.observed_at`, dbFlatRecord{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing upsert flat record statement")
	}

	getStmt, err := sqlair.Prepare(`
SELECT &dbFlatRecord.*
FROM   flat_record
WHERE  record_id = $dbRecordID.record_id`, dbFlatRecord{}, dbRecordID{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select flat record statement")
	}

	countStmt, err := sqlair.Prepare(`
SELECT COUNT(*) AS &dbCount.count
FROM   flat_record
WHERE  feed = $dbFeed.feed`, dbCount{}, dbFeed{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing count flat record statement")
	}

	return &State{
		db:         db,
		upsertStmt: upsertStmt,
		getStmt:    getStmt,
		countStmt:  countStmt,
	}, nil
}

// UpsertBatch writes all records in a single transaction. Either every
// record is durable when it returns nil, or none are. Records that can
// never be stored return an error matching changefeed.ErrRecordRejected.
func (s *State) UpsertBatch(ctx context.Context, records []changefeed.FlatRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]dbFlatRecord, len(records))
	for i, r := range records {
		if r.RecordID == "" {
			return fmt.Errorf("record for %q without id: %w", r.SourceKey, changefeed.ErrRecordRejected)
		}
		row, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("%w: %w", changefeed.ErrRecordRejected, err)
		}
		rows[i] = row
	}

	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		for _, row := range rows {
			if err := tx.Query(ctx, s.upsertStmt, row).Run(); err != nil {
				return errors.Annotatef(err, "upserting record %q", row.RecordID)
			}
		}
		return nil
	})
	if database.IsErrConstraint(err) {
		return fmt.Errorf("%w: %w", changefeed.ErrRecordRejected, err)
	}
	return errors.Trace(err)
}

// Get returns the record with the given id. It returns an error satisfying
// errors.NotFound if no such record exists.
func (s *State) Get(ctx context.Context, recordID string) (changefeed.FlatRecord, error) {
	var row dbFlatRecord
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.getStmt, dbRecordID{RecordID: recordID}).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return changefeed.FlatRecord{}, errors.NotFoundf("record %q", recordID)
	} else if err != nil {
		return changefeed.FlatRecord{}, errors.Annotatef(err, "getting record %q", recordID)
	}
	return row.toFlatRecord()
}

// Count returns the number of records, live or tombstoned, for a feed.
func (s *State) Count(ctx context.Context, feed string) (int, error) {
	var count dbCount
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.countStmt, dbFeed{Feed: feed}).Get(&count)
	})
	if err != nil {
		return 0, errors.Annotatef(err, "counting records for %q", feed)
	}
	return count.Count, nil
}
