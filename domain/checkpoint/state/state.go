// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/internal/database"
)

type dbCheckpoint struct {
	Feed        string `db:"feed"`
	ResumeToken string `db:"resume_token"`
	UpdatedAt   string `db:"updated_at"`
}

type dbFeed struct {
	Feed string `db:"feed"`
}

// State persists feed checkpoints. It implements changefeed.CheckpointStore.
type State struct {
	db    database.TxnRunner
	clock clock.Clock

	loadStmt   *sqlair.Statement
	saveStmt   *sqlair.Statement
	deleteStmt *sqlair.Statement
	listStmt   *sqlair.Statement
}

// NewState returns a new State backed by the given database.
func NewState(db database.TxnRunner, clk clock.Clock) (*State, error) {
	loadStmt, err := sqlair.Prepare(`
SELECT &dbCheckpoint.*
FROM   checkpoint
WHERE  feed = $dbFeed.feed`, dbCheckpoint{}, dbFeed{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select checkpoint statement")
	}

	saveStmt, err := sqlair.Prepare(`
INSERT INTO checkpoint (feed, resume_token, updated_at)
VALUES ($dbCheckpoint.*)
ON CONFLICT (feed) DO UPDATE SET
    resume_token = excluded.resume_token,
    updated_at = excluded.updated_at`, dbCheckpoint{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing upsert checkpoint statement")
	}

	deleteStmt, err := sqlair.Prepare(`
DELETE FROM checkpoint
WHERE  feed = $dbFeed.feed`, dbFeed{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing delete checkpoint statement")
	}

	listStmt, err := sqlair.Prepare(`
SELECT &dbCheckpoint.*
FROM   checkpoint
ORDER BY feed`, dbCheckpoint{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing list checkpoint statement")
	}

	return &State{
		db:         db,
		clock:      clk,
		loadStmt:   loadStmt,
		saveStmt:   saveStmt,
		deleteStmt: deleteStmt,
		listStmt:   listStmt,
	}, nil
}

// Load returns the checkpoint of the feed. It returns an error satisfying
// errors.NotFound if the feed has never been checkpointed.
func (s *State) Load(ctx context.Context, feed string) (changefeed.ResumeToken, error) {
	var row dbCheckpoint
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.loadStmt, dbFeed{Feed: feed}).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return "", errors.NotFoundf("checkpoint for feed %q", feed)
	} else if err != nil {
		return "", errors.Annotatef(err, "loading checkpoint for feed %q", feed)
	}
	return changefeed.ResumeToken(row.ResumeToken), nil
}

// Save overwrites the checkpoint of the feed.
func (s *State) Save(ctx context.Context, feed string, token changefeed.ResumeToken) error {
	if feed == "" {
		return errors.NotValidf("empty feed")
	}
	if token.IsZero() {
		return errors.NotValidf("empty resume token for feed %q", feed)
	}

	row := dbCheckpoint{
		Feed:        feed,
		ResumeToken: string(token),
		UpdatedAt:   s.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.saveStmt, row).Run()
	})
	return errors.Annotatef(err, "saving checkpoint for feed %q", feed)
}

// Reset removes the checkpoint of the feed, so the next start opens the
// feed from its configured start position. It returns an error satisfying
// errors.NotFound if there was no checkpoint.
func (s *State) Reset(ctx context.Context, feed string) error {
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, s.deleteStmt, dbFeed{Feed: feed}).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		if n, err := outcome.Result().RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if n == 0 {
			return errors.NotFoundf("checkpoint for feed %q", feed)
		}
		return nil
	})
	if errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	return errors.Annotatef(err, "resetting checkpoint for feed %q", feed)
}

// Checkpoint describes the stored position of a feed.
type Checkpoint struct {
	Feed        string
	ResumeToken changefeed.ResumeToken
	UpdatedAt   time.Time
}

// List returns every stored checkpoint, ordered by feed.
func (s *State) List(ctx context.Context) ([]Checkpoint, error) {
	var rows []dbCheckpoint
	err := s.db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, s.listStmt).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing checkpoints")
	}

	result := make([]Checkpoint, len(rows))
	for i, row := range rows {
		updated, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing update time of checkpoint %q", row.Feed)
		}
		result[i] = Checkpoint{
			Feed:        row.Feed,
			ResumeToken: changefeed.ResumeToken(row.ResumeToken),
			UpdatedAt:   updated,
		}
	}
	return result, nil
}
