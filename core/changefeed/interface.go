// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import "context"

// Source opens resumable feeds of change events.
type Source interface {
	// Open returns a feed for the given feed identity, positioned directly
	// after the from token. An empty token starts the feed at the source's
	// default position (normally "now"). If the source can no longer resume
	// from the token, an error satisfying errors.Is(err, ErrNonResumable) is
	// returned.
	Open(ctx context.Context, feed string, from ResumeToken) (Feed, error)
}

// Feed is an open, ordered sequence of change events.
type Feed interface {
	// Next returns the next event in feed order. ErrNoEvents is returned
	// if no event was available within the feed's await period. Any other
	// error invalidates the feed, which must then be closed.
	Next(ctx context.Context) (ChangeEvent, error)

	// Start returns a token that reopens the feed at the position it was
	// opened at. It is empty if the source could not name that position.
	Start() ResumeToken

	// Close releases the feed's resources.
	Close() error
}

// Sink durably persists flat records.
type Sink interface {
	// UpsertBatch writes all records as a unit, keyed by RecordID. Calling
	// it repeatedly with the same records must not create duplicates. An
	// error satisfying errors.Is(err, ErrRecordRejected) will never succeed
	// on retry.
	UpsertBatch(ctx context.Context, records []FlatRecord) error
}

// CheckpointStore persists the last fully processed resume token of a feed.
type CheckpointStore interface {
	// Load returns the checkpoint for the feed. If there is none, an error
	// satisfying errors.Is(err, errors.NotFound) is returned.
	Load(ctx context.Context, feed string) (ResumeToken, error)

	// Save overwrites the checkpoint for the feed.
	Save(ctx context.Context, feed string, token ResumeToken) error
}
