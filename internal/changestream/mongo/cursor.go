// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// StreamOptions configures a change stream cursor.
type StreamOptions struct {
	// ResumeAfter starts the stream directly after the given token. Nil
	// starts it at the current time.
	ResumeAfter *bson.Raw
	// MaxAwait is how long the server holds an empty getMore open.
	MaxAwait time.Duration
	// BatchSize bounds the documents returned by each round trip.
	BatchSize int
}

// commandRunner runs database commands. *mgo.Database satisfies it.
type commandRunner interface {
	Run(cmd interface{}, result interface{}) error
}

type cursorBatch struct {
	ID                   int64      `bson:"id"`
	FirstBatch           []bson.Raw `bson:"firstBatch"`
	NextBatch            []bson.Raw `bson:"nextBatch"`
	PostBatchResumeToken bson.Raw   `bson:"postBatchResumeToken"`
}

type cursorReply struct {
	Cursor cursorBatch `bson:"cursor"`
}

// cursor is a ChangeStream driven by aggregate and getMore commands. It
// is not safe for concurrent use.
type cursor struct {
	db         commandRunner
	collection string
	maxAwait   time.Duration
	batchSize  int
	// release is called once the server cursor is gone.
	release func()

	id      int64
	batch   []bson.Raw
	token   *bson.Raw
	err     error
	timeout bool
}

// openCursor runs the aggregate command that starts a change stream on the
// collection, followed by the given pipeline stages.
func openCursor(db commandRunner, collection string, pipeline []bson.M, options StreamOptions) (*cursor, error) {
	stage := bson.D{{Name: "fullDocument", Value: "updateLookup"}}
	if options.ResumeAfter != nil {
		stage = append(stage, bson.DocElem{Name: "resumeAfter", Value: *options.ResumeAfter})
	}
	stages := append([]bson.M{{"$changeStream": stage}}, pipeline...)

	cmd := bson.D{
		{Name: "aggregate", Value: collection},
		{Name: "pipeline", Value: stages},
		{Name: "cursor", Value: bson.D{{Name: "batchSize", Value: options.BatchSize}}},
	}
	var reply cursorReply
	if err := db.Run(cmd, &reply); err != nil {
		return nil, errors.Trace(err)
	}

	c := &cursor{
		db:         db,
		collection: collection,
		maxAwait:   options.MaxAwait,
		batchSize:  options.BatchSize,
		id:         reply.Cursor.ID,
		batch:      reply.Cursor.FirstBatch,
		token:      options.ResumeAfter,
	}
	if len(c.batch) == 0 {
		c.setPostBatchToken(reply.Cursor.PostBatchResumeToken)
	}
	return c, nil
}

// Next decodes the next change document into result. It returns false
// when an await period passed without changes, the cursor was closed by
// the server or a command failed.
func (c *cursor) Next(result interface{}) bool {
	c.timeout = false
	if c.err != nil {
		return false
	}

	if len(c.batch) == 0 {
		if c.id == 0 {
			return false
		}
		if !c.getMore() {
			return false
		}
		if len(c.batch) == 0 {
			c.timeout = true
			return false
		}
	}

	raw := c.batch[0]
	c.batch = c.batch[1:]

	var id struct {
		ID bson.Raw `bson:"_id"`
	}
	if err := raw.Unmarshal(&id); err != nil {
		c.err = errors.Annotate(err, "decoding change id")
		return false
	}
	if err := raw.Unmarshal(result); err != nil {
		c.err = errors.Annotate(err, "decoding change")
		return false
	}
	if len(id.ID.Data) > 0 {
		c.token = &id.ID
	}
	return true
}

func (c *cursor) getMore() bool {
	cmd := bson.D{
		{Name: "getMore", Value: c.id},
		{Name: "collection", Value: c.collection},
		{Name: "batchSize", Value: c.batchSize},
		{Name: "maxTimeMS", Value: c.maxAwait.Milliseconds()},
	}
	var reply cursorReply
	if err := c.db.Run(cmd, &reply); err != nil {
		c.err = errors.Trace(err)
		return false
	}
	c.id = reply.Cursor.ID
	c.batch = reply.Cursor.NextBatch
	if len(c.batch) == 0 {
		c.setPostBatchToken(reply.Cursor.PostBatchResumeToken)
	}
	return true
}

func (c *cursor) setPostBatchToken(raw bson.Raw) {
	if len(raw.Data) > 0 {
		c.token = &raw
	}
}

// Err returns the error that stopped the cursor, if any.
func (c *cursor) Err() error {
	return c.err
}

// Timeout reports whether the last Next returned false because the await
// period passed without changes.
func (c *cursor) Timeout() bool {
	return c.timeout
}

// ResumeToken returns the token of the last change returned by Next or,
// once a batch is drained, the server's post batch resume token.
func (c *cursor) ResumeToken() *bson.Raw {
	return c.token
}

// Close kills the server cursor, if it is still open.
func (c *cursor) Close() error {
	var err error
	if c.id != 0 {
		cmd := bson.D{
			{Name: "killCursors", Value: c.collection},
			{Name: "cursors", Value: []int64{c.id}},
		}
		err = c.db.Run(cmd, nil)
		c.id = 0
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return errors.Trace(err)
}
