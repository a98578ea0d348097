// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo provides a change feed source backed by MongoDB change
// streams. Each feed watches one collection through an aggregate cursor
// with a $changeStream stage; resume tokens are the hex form of the
// server's resume token documents.
package mongo

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/core/logger"
)

const (
	// DefaultMaxAwait is how long the server holds an empty getMore open.
	DefaultMaxAwait = time.Second

	// DefaultBatchSize is the default change stream batch size.
	DefaultBatchSize = 100
)

// ChangeStream is an open change stream cursor.
type ChangeStream interface {
	Next(result interface{}) bool
	Err() error
	Timeout() bool
	ResumeToken() *bson.Raw
	Close() error
}

// Watcher opens change streams on a collection.
type Watcher interface {
	Watch(database, collection string, pipeline []bson.M, options StreamOptions) (ChangeStream, error)
}

// Collection names the collection watched for a feed, and the kinds of
// change it forwards.
type Collection struct {
	Database   string
	Collection string
	// Kinds restricts the server side operation types. Empty means all.
	Kinds []changefeed.OperationKind
}

// Config holds the configuration of a Source.
type Config struct {
	Watcher   Watcher
	Feeds     map[string]Collection
	MaxAwait  time.Duration
	BatchSize int
	Clock     clock.Clock
	Logger    logger.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Watcher == nil {
		return errors.NotValidf("nil Watcher")
	}
	if len(c.Feeds) == 0 {
		return errors.NotValidf("empty Feeds")
	}
	for name, coll := range c.Feeds {
		if coll.Database == "" || coll.Collection == "" {
			return errors.NotValidf("feed %q without database and collection", name)
		}
		for _, k := range coll.Kinds {
			if err := k.Validate(); err != nil {
				return errors.Annotatef(err, "feed %q", name)
			}
		}
	}
	if c.MaxAwait < 0 {
		return errors.NotValidf("negative MaxAwait")
	}
	if c.BatchSize < 0 {
		return errors.NotValidf("negative BatchSize")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Source is a changefeed.Source over MongoDB change streams.
type Source struct {
	cfg Config
}

// NewSource returns a Source for the given config.
func NewSource(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.MaxAwait == 0 {
		cfg.MaxAwait = DefaultMaxAwait
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Source{cfg: cfg}, nil
}

// Open implements changefeed.Source. An empty from starts the stream at
// the current time.
func (s *Source) Open(ctx context.Context, feed string, from changefeed.ResumeToken) (changefeed.Feed, error) {
	coll, ok := s.cfg.Feeds[feed]
	if !ok {
		return nil, errors.NotFoundf("feed %q", feed)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	options := StreamOptions{
		MaxAwait:  s.cfg.MaxAwait,
		BatchSize: s.cfg.BatchSize,
	}
	if !from.IsZero() {
		raw, err := decodeToken(from)
		if err != nil {
			return nil, errors.Trace(err)
		}
		options.ResumeAfter = raw
	}

	stream, err := s.cfg.Watcher.Watch(coll.Database, coll.Collection, matchPipeline(coll.Kinds), options)
	if err != nil {
		return nil, errors.Annotatef(classifyError(err), "watching %s.%s", coll.Database, coll.Collection)
	}
	s.cfg.Logger.Debugf(ctx, "opened change stream for feed %q on %s.%s", feed, coll.Database, coll.Collection)
	return newFeed(feed, stream, s.cfg.Clock, s.cfg.Logger), nil
}

// matchPipeline filters the operation types on the server. Invalidate
// events always pass so the feed can report them.
func matchPipeline(kinds []changefeed.OperationKind) []bson.M {
	if len(kinds) == 0 {
		kinds = changefeed.AllKinds()
	}
	ops := transform.Slice(kinds, operationType)
	ops = append(ops, opInvalidate)
	return []bson.M{{
		"$match": bson.M{"operationType": bson.M{"$in": ops}},
	}}
}

// Dial connects to the MongoDB deployment at url.
func Dial(url string, timeout time.Duration) (*mgo.Session, error) {
	info, err := mgo.ParseURL(url)
	if err != nil {
		return nil, errors.Annotate(err, "parsing mongo url")
	}
	if timeout > 0 {
		info.Timeout = timeout
	}
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, errors.Annotate(err, "dialing mongo")
	}
	session.SetMode(mgo.Primary, true)
	return session, nil
}

// SessionWatcher opens change streams on copies of a session.
type SessionWatcher struct {
	Session *mgo.Session
}

// Watch implements Watcher. The returned stream owns its session copy.
func (w SessionWatcher) Watch(database, collection string, pipeline []bson.M, options StreamOptions) (ChangeStream, error) {
	session := w.Session.Copy()
	stream, err := openCursor(session.DB(database), collection, pipeline, options)
	if err != nil {
		session.Close()
		return nil, errors.Trace(err)
	}
	stream.release = session.Close
	return stream, nil
}
