// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/cdc/core/logger"
	internallogger "github.com/juju/cdc/internal/logger"
)

const (
	// DefaultRetryAttempts is the number of times a transaction is
	// attempted when it fails with a retryable error.
	DefaultRetryAttempts = 5

	// DefaultRetryDelay is the initial delay between transaction attempts.
	DefaultRetryDelay = 20 * time.Millisecond

	// DefaultBusyTimeout bounds how long sqlite waits on a locked database
	// before reporting it as busy.
	DefaultBusyTimeout = 5 * time.Second
)

// TxnRunner runs functions within a transaction.
type TxnRunner interface {
	// Txn executes fn within a single transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise.
	Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error
}

type options struct {
	clock       clock.Clock
	logger      logger.Logger
	attempts    int
	delay       time.Duration
	busyTimeout time.Duration
}

// Option configures a DB.
type Option func(*options)

// WithClock sets the clock used to delay transaction retries.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithLogger sets the logger used to report transaction retries.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithRetryAttempts sets the number of attempts for a transaction.
func WithRetryAttempts(attempts int) Option {
	return func(o *options) {
		o.attempts = attempts
	}
}

// WithBusyTimeout sets the sqlite busy timeout.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = timeout
	}
}

func newOptions() *options {
	return &options{
		clock:       clock.WallClock,
		logger:      internallogger.GetLogger("cdc.database"),
		attempts:    DefaultRetryAttempts,
		delay:       DefaultRetryDelay,
		busyTimeout: DefaultBusyTimeout,
	}
}

// DB is a sqlite database accessed through sqlair.
type DB struct {
	db       *sqlair.DB
	clock    clock.Clock
	logger   logger.Logger
	attempts int
	delay    time.Duration
}

// Open opens the sqlite database at path, creating it if it does not
// exist, and ensures the schema is applied.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	if path == "" {
		return nil, errors.NotValidf("empty database path")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, o.busyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	// sqlite serialises writers, a single connection avoids busy errors
	// between our own goroutines.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotatef(err, "connecting to database %q", path)
	}

	db := &DB{
		db:       sqlair.NewDB(sqlDB),
		clock:    o.clock,
		logger:   o.logger,
		attempts: o.attempts,
		delay:    o.delay,
	}
	if err := db.ensureSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Trace(err)
	}
	return db, nil
}

// Txn executes fn within a transaction, retrying the whole transaction
// when it fails with a retryable error.
func (d *DB) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return d.txn(ctx, fn)
		},
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			d.logger.Debugf(ctx, "retrying transaction (attempt %d): %v", attempt, err)
		},
		Attempts:    d.attempts,
		Delay:       d.delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})
	return errors.Trace(retryError(err))
}

func (d *DB) txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	tx, err := d.db.Begin(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning transaction")
	}
	if err := fn(ctx, tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			d.logger.Warningf(ctx, "rolling back transaction: %v", rerr)
		}
		return errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "committing transaction")
	}
	return nil
}

// PlainDB returns the underlying database.
func (d *DB) PlainDB() *sql.DB {
	return d.db.PlainDB()
}

// Close closes the database.
func (d *DB) Close() error {
	return errors.Trace(d.db.PlainDB().Close())
}
