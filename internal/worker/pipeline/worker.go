// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/cdc/core/changefeed"
)

const tracerName = "github.com/juju/cdc/internal/worker/pipeline"

// errAbandoned is returned when an in-flight write does not complete
// within the drain timeout after the worker was killed.
const errAbandoned = errors.ConstError("in-flight event abandoned")

// Worker drives the watch, transform, write and checkpoint loop of a
// single feed.
type Worker struct {
	catacomb catacomb.Catacomb

	cfg     Config
	tracer  trace.Tracer
	backoff func(time.Duration, int) time.Duration

	// origin is the position the feed resolved "now" to when it was
	// opened without a checkpoint. It is only used by the loop.
	origin changefeed.ResumeToken

	mu         sync.Mutex
	state      State
	checkpoint changefeed.ResumeToken
	processed  int
	skipped    int
	failures   int
	lastErr    string
}

// NewWorker starts a new pipeline worker based on the
// input configuration and returns it.
func NewWorker(cfg Config) (*Worker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	w := &Worker{
		cfg:     cfg,
		tracer:  tracer,
		backoff: retry.ExpBackoff(cfg.MinBackoff, cfg.MaxBackoff, 2, true),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Run runs a pipeline worker until ctx is cancelled or the worker fails.
// It returns nil after cancellation, and the fatal error otherwise.
func Run(ctx context.Context, cfg Config) error {
	w, err := NewWorker(cfg)
	if err != nil {
		return errors.Trace(err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.Kill()
		case <-done:
		}
	}()
	return w.Wait()
}

// Kill (worker.Worker) tells the worker to stop and return from its loop.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait (worker.Worker) waits for the worker to stop,
// and returns the error with which it exited.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// State returns the current state of the worker.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Checkpoint returns the last checkpoint saved by the worker, or loaded
// by it on startup.
func (w *Worker) Checkpoint() changefeed.ResumeToken {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

// Report provides information for the engine report.
func (w *Worker) Report() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := map[string]any{
		"feed":                 w.cfg.Feed,
		"state":                w.state.String(),
		"checkpoint":           string(w.checkpoint),
		"events-processed":     w.processed,
		"events-skipped":       w.skipped,
		"consecutive-failures": w.failures,
	}
	if w.lastErr != "" {
		report["last-error"] = w.lastErr
	}
	return report
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())
	defer func() {
		if w.State() != Faulted {
			w.setState(ctx, Stopped, nil)
		}
	}()

	w.setState(ctx, Starting, nil)
	from, err := w.loadCheckpoint(ctx)
	if w.dying() {
		w.setState(ctx, Stopping, nil)
		return w.catacomb.ErrDying()
	} else if err != nil {
		return errors.Annotatef(err, "loading checkpoint for feed %q", w.cfg.Feed)
	}

	for {
		w.setState(ctx, Watching, nil)
		err := w.watch(ctx, from)
		switch {
		case w.dying():
			w.setState(ctx, Stopping, nil)
			return w.catacomb.ErrDying()
		case errors.Is(err, changefeed.ErrNonResumable):
			w.setState(ctx, Faulted, err)
			w.cfg.Logger.Criticalf(ctx, "feed %q cannot resume from checkpoint %q: %v", w.cfg.Feed, w.Checkpoint(), err)
			return errors.Trace(err)
		}

		failures := w.feedFailed(err)
		w.setState(ctx, Backoff, err)
		delay := w.backoff(w.cfg.MinBackoff, failures)
		w.cfg.Logger.Warningf(ctx, "feed %q failed (%d consecutive), reopening in %v: %v", w.cfg.Feed, failures, delay, err)

		select {
		case <-w.catacomb.Dying():
			w.setState(ctx, Stopping, nil)
			return w.catacomb.ErrDying()
		case <-w.cfg.Clock.After(delay):
		}
		from = w.resumePosition(ctx)
	}
}

// loadCheckpoint returns the position to open the feed from on startup.
func (w *Worker) loadCheckpoint(ctx context.Context) (changefeed.ResumeToken, error) {
	var token changefeed.ResumeToken
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
			defer cancel()

			loaded, err := w.cfg.Checkpoints.Load(opCtx, w.cfg.Feed)
			if errors.Is(err, errors.NotFound) {
				token = ""
				return nil
			} else if err != nil {
				return errors.Trace(err)
			}
			token = loaded
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			w.cfg.Logger.Warningf(ctx, "loading checkpoint for feed %q (attempt %d/%d): %v",
				w.cfg.Feed, attempt, w.cfg.StartupAttempts, err)
		},
		Attempts:    w.cfg.StartupAttempts,
		Delay:       w.cfg.MinBackoff,
		MaxDelay:    w.cfg.MaxBackoff,
		BackoffFunc: w.backoff,
		Clock:       w.cfg.Clock,
		Stop:        w.catacomb.Dying(),
	})
	if err != nil {
		return "", errors.Trace(retry.LastError(err))
	}

	w.mu.Lock()
	w.checkpoint = token
	w.mu.Unlock()

	if token.IsZero() {
		w.cfg.Logger.Infof(ctx, "no checkpoint for feed %q, starting from %q", w.cfg.Feed, w.cfg.StartFrom)
		return w.cfg.StartFrom, nil
	}
	w.cfg.Logger.Infof(ctx, "resuming feed %q from checkpoint %q", w.cfg.Feed, token)
	return token, nil
}

// resumePosition reloads the checkpoint before a reopen. If the store
// cannot be read, the last checkpoint saved by this worker is used.
func (w *Worker) resumePosition(ctx context.Context) changefeed.ResumeToken {
	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	token, err := w.cfg.Checkpoints.Load(opCtx, w.cfg.Feed)
	switch {
	case err == nil:
	case errors.Is(err, errors.NotFound):
		token = ""
	default:
		token = w.Checkpoint()
		w.cfg.Logger.Warningf(ctx, "reloading checkpoint for feed %q, using %q: %v", w.cfg.Feed, token, err)
	}
	if !token.IsZero() {
		return token
	}
	if !w.origin.IsZero() {
		return w.origin
	}
	return w.cfg.StartFrom
}

// watch opens the feed at from and processes events until the feed
// fails or the worker is killed.
func (w *Worker) watch(ctx context.Context, from changefeed.ResumeToken) error {
	openCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	feed, err := w.cfg.Source.Open(openCtx, w.cfg.Feed, from)
	cancel()
	if err != nil {
		return errors.Annotatef(err, "opening feed %q at %q", w.cfg.Feed, from)
	}
	defer func() {
		if err := feed.Close(); err != nil {
			w.cfg.Logger.Debugf(ctx, "closing feed %q: %v", w.cfg.Feed, err)
		}
	}()
	if from.IsZero() {
		if w.origin = feed.Start(); w.origin.IsZero() {
			w.cfg.Logger.Warningf(ctx, "feed %q cannot name its start position, a reopen before the first checkpoint starts from now", w.cfg.Feed)
		}
	}
	w.cfg.Logger.Debugf(ctx, "watching feed %q from %q", w.cfg.Feed, from)

	for {
		if w.dying() {
			return w.catacomb.ErrDying()
		}

		nextCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		event, err := feed.Next(nextCtx)
		cancel()
		if errors.Is(err, changefeed.ErrNoEvents) {
			continue
		} else if err != nil {
			return errors.Annotatef(err, "reading feed %q", w.cfg.Feed)
		}

		// No new event is started once the worker is dying.
		if w.dying() {
			return w.catacomb.ErrDying()
		}
		w.feedHealthy()

		if err := w.process(ctx, event); err != nil {
			return errors.Trace(err)
		}
	}
}

func (w *Worker) dying() bool {
	select {
	case <-w.catacomb.Dying():
		return true
	default:
		return false
	}
}

func (w *Worker) feedFailed(err error) int {
	w.cfg.Metrics.feedError(w.cfg.Feed)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	w.lastErr = err.Error()
	return w.failures
}

func (w *Worker) feedHealthy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = 0
}

func (w *Worker) setState(ctx context.Context, to State, cause error) {
	w.mu.Lock()
	from := w.state
	if from == to {
		w.mu.Unlock()
		return
	}
	w.state = to
	w.mu.Unlock()

	var reason string
	if cause != nil {
		reason = cause.Error()
		w.cfg.Logger.Infof(ctx, "feed %q %s -> %s: %s", w.cfg.Feed, from, to, reason)
	} else {
		w.cfg.Logger.Infof(ctx, "feed %q %s -> %s", w.cfg.Feed, from, to)
	}

	w.cfg.Metrics.stateChanged(w.cfg.Feed, to)
	if w.cfg.Hub != nil {
		_ = w.cfg.Hub.Publish(StateTopic, StateChange{
			Feed:   w.cfg.Feed,
			From:   from,
			To:     to,
			Reason: reason,
		})
	}
}
