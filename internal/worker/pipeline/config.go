// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/core/logger"
)

const (
	DefaultOpTimeout       = 30 * time.Second
	DefaultMinBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff      = time.Minute
	DefaultDrainTimeout    = 30 * time.Second
	DefaultStartupAttempts = 5
)

// Transformer converts a change event into the records to write.
type Transformer interface {
	Transform(changefeed.ChangeEvent) ([]changefeed.FlatRecord, error)
}

// Config holds the dependencies and tuning of a pipeline worker.
type Config struct {
	// Feed is the feed identity. It selects the source feed and the
	// checkpoint.
	Feed string

	Source      changefeed.Source
	Sink        changefeed.Sink
	Checkpoints changefeed.CheckpointStore
	Transformer Transformer

	// StartFrom is the position opened when the feed has no checkpoint.
	// Empty means the current end of the feed.
	StartFrom changefeed.ResumeToken

	// OpTimeout bounds every open, next, write and checkpoint call.
	OpTimeout time.Duration
	// MinBackoff and MaxBackoff bound the delays between reopen and
	// write attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// DrainTimeout bounds how long an in-flight write and checkpoint may
	// continue after the worker is killed.
	DrainTimeout time.Duration
	// StartupAttempts is the number of checkpoint loads tried before the
	// worker gives up.
	StartupAttempts int

	Clock  clock.Clock
	Logger logger.Logger

	// Hub, Metrics and Tracer are optional.
	Hub     *pubsub.SimpleHub
	Metrics *Collector
	Tracer  trace.Tracer
}

// WithDefaults returns a copy of the config with zero durations and
// attempts replaced by their defaults.
func (config Config) WithDefaults() Config {
	if config.OpTimeout == 0 {
		config.OpTimeout = DefaultOpTimeout
	}
	if config.MinBackoff == 0 {
		config.MinBackoff = DefaultMinBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if config.StartupAttempts == 0 {
		config.StartupAttempts = DefaultStartupAttempts
	}
	return config
}

// Validate ensures that the configuration is
// correctly populated for worker operation.
func (config Config) Validate() error {
	if config.Feed == "" {
		return errors.NotValidf("empty Feed")
	}
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if config.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if config.Transformer == nil {
		return errors.NotValidf("nil Transformer")
	}
	if config.OpTimeout <= 0 {
		return errors.NotValidf("non-positive OpTimeout")
	}
	if config.MinBackoff <= 0 {
		return errors.NotValidf("non-positive MinBackoff")
	}
	if config.MaxBackoff < config.MinBackoff {
		return errors.NotValidf("MaxBackoff less than MinBackoff")
	}
	if config.DrainTimeout <= 0 {
		return errors.NotValidf("non-positive DrainTimeout")
	}
	if config.StartupAttempts <= 0 {
		return errors.NotValidf("non-positive StartupAttempts")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}
