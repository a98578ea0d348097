// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/cdc/internal/changestream/memory"
	loggertesting "github.com/juju/cdc/internal/logger/testing"
	"github.com/juju/cdc/internal/transform"
)

type configSuite struct{}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) validConfig(c *gc.C) Config {
	transformer, err := transform.New(transform.Config{Feed: feedName})
	c.Assert(err, jc.ErrorIsNil)
	return Config{
		Feed:        feedName,
		Source:      memory.NewStream(clock.WallClock, 0),
		Sink:        sinkFunc(nil),
		Checkpoints: NewMockCheckpointStore(nil),
		Transformer: transformer,
		Clock:       clock.WallClock,
		Logger:      loggertesting.WrapCheckLog(c),
	}.WithDefaults()
}

func (s *configSuite) TestValid(c *gc.C) {
	c.Check(s.validConfig(c).Validate(), jc.ErrorIsNil)
}

func (s *configSuite) TestDefaults(c *gc.C) {
	cfg := Config{MinBackoff: time.Second}.WithDefaults()
	c.Check(cfg.OpTimeout, gc.Equals, DefaultOpTimeout)
	c.Check(cfg.MinBackoff, gc.Equals, time.Second)
	c.Check(cfg.MaxBackoff, gc.Equals, DefaultMaxBackoff)
	c.Check(cfg.DrainTimeout, gc.Equals, DefaultDrainTimeout)
	c.Check(cfg.StartupAttempts, gc.Equals, DefaultStartupAttempts)
}

func (s *configSuite) TestInvalid(c *gc.C) {
	tests := []struct {
		mutate func(*Config)
		err    string
	}{
		{func(cfg *Config) { cfg.Feed = "" }, "empty Feed not valid"},
		{func(cfg *Config) { cfg.Source = nil }, "nil Source not valid"},
		{func(cfg *Config) { cfg.Sink = nil }, "nil Sink not valid"},
		{func(cfg *Config) { cfg.Checkpoints = nil }, "nil Checkpoints not valid"},
		{func(cfg *Config) { cfg.Transformer = nil }, "nil Transformer not valid"},
		{func(cfg *Config) { cfg.OpTimeout = -time.Second }, "non-positive OpTimeout not valid"},
		{func(cfg *Config) { cfg.MinBackoff = -time.Second }, "non-positive MinBackoff not valid"},
		{func(cfg *Config) { cfg.MaxBackoff = time.Millisecond }, "MaxBackoff less than MinBackoff not valid"},
		{func(cfg *Config) { cfg.DrainTimeout = -time.Second }, "non-positive DrainTimeout not valid"},
		{func(cfg *Config) { cfg.StartupAttempts = -1 }, "non-positive StartupAttempts not valid"},
		{func(cfg *Config) { cfg.Clock = nil }, "nil Clock not valid"},
		{func(cfg *Config) { cfg.Logger = nil }, "nil Logger not valid"},
	}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.err)
		cfg := s.validConfig(c)
		test.mutate(&cfg)
		err := cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)

		_, err = NewWorker(cfg)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}
