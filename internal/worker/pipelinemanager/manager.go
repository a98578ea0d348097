// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipelinemanager

import (
	"context"
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/cdc/core/logger"
	"github.com/juju/cdc/internal/worker/pipeline"
)

// Runner is a pipeline worker for a single feed.
type Runner interface {
	worker.Worker
	State() pipeline.State
	Report() map[string]any
}

// NewRunnerFunc starts a runner for a pipeline config.
type NewRunnerFunc func(pipeline.Config) (Runner, error)

// NewPipelineRunner starts a pipeline.Worker.
func NewPipelineRunner(cfg pipeline.Config) (Runner, error) {
	w, err := pipeline.NewWorker(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Config holds the configuration of a Manager.
type Config struct {
	Pipelines []pipeline.Config
	NewRunner NewRunnerFunc
	Logger    logger.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return errors.NotValidf("empty Pipelines")
	}
	feeds := set.NewStrings()
	for _, p := range c.Pipelines {
		if feeds.Contains(p.Feed) {
			return errors.NotValidf("duplicate feed %q", p.Feed)
		}
		feeds.Add(p.Feed)
	}
	if c.NewRunner == nil {
		return errors.NotValidf("nil NewRunner")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Manager runs one pipeline runner per configured feed. The first runner
// to fail stops every other runner and the manager itself.
type Manager struct {
	catacomb catacomb.Catacomb
	logger   logger.Logger
	runners  map[string]Runner
}

// NewWorker starts a runner for every configured pipeline and returns
// the manager that owns them.
func NewWorker(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	m := &Manager{
		logger:  cfg.Logger,
		runners: make(map[string]Runner, len(cfg.Pipelines)),
	}
	init := make([]worker.Worker, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		r, err := cfg.NewRunner(p)
		if err != nil {
			for _, started := range init {
				_ = worker.Stop(started)
			}
			return nil, errors.Annotatef(err, "starting pipeline for feed %q", p.Feed)
		}
		m.runners[p.Feed] = r
		init = append(init, r)
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
		Init: init,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill (worker.Worker) tells the manager to stop every runner.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait (worker.Worker) waits for every runner to stop, and returns the
// error of the first runner that failed.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// Feeds returns the names of the managed feeds, sorted.
func (m *Manager) Feeds() []string {
	feeds := make([]string, 0, len(m.runners))
	for feed := range m.runners {
		feeds = append(feeds, feed)
	}
	sort.Strings(feeds)
	return feeds
}

// State returns the state of the runner for the feed.
func (m *Manager) State(feed string) (pipeline.State, error) {
	r, ok := m.runners[feed]
	if !ok {
		return pipeline.Stopped, errors.NotFoundf("pipeline for feed %q", feed)
	}
	return r.State(), nil
}

// Report provides information for the engine report.
func (m *Manager) Report() map[string]any {
	feeds := make(map[string]any, len(m.runners))
	for feed, r := range m.runners {
		feeds[feed] = r.Report()
	}
	return map[string]any{"feeds": feeds}
}

func (m *Manager) loop() error {
	ctx := m.catacomb.Context(context.Background())
	m.logger.Infof(ctx, "running pipelines for feeds %v", m.Feeds())

	<-m.catacomb.Dying()
	err := m.catacomb.ErrDying()
	m.logger.Infof(ctx, "stopping pipelines for feeds %v", m.Feeds())
	return err
}
