// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"

	"github.com/juju/errors"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS flat_record (
    record_id    TEXT NOT NULL PRIMARY KEY,
    feed         TEXT NOT NULL,
    projection   TEXT NOT NULL,
    source_key   TEXT NOT NULL,
    fields       TEXT NOT NULL,
    nvfix        TEXT NOT NULL,
    deleted      BOOLEAN NOT NULL DEFAULT FALSE,
    resume_token TEXT NOT NULL,
    observed_at  TEXT NOT NULL,
    CHECK (record_id <> ''),
    CHECK (json_valid(fields))
);`, `
CREATE INDEX IF NOT EXISTS idx_flat_record_feed_source
ON flat_record (feed, source_key);`, `
CREATE TABLE IF NOT EXISTS checkpoint (
    feed         TEXT NOT NULL PRIMARY KEY,
    resume_token TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    CHECK (feed <> '')
);`,
}

func (d *DB) ensureSchema(ctx context.Context) error {
	return d.retryStd(ctx, func() error {
		tx, err := d.PlainDB().BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.Annotate(err, "applying schema")
			}
		}
		return errors.Trace(tx.Commit())
	})
}
