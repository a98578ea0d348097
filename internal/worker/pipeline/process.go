// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/core/logger"
)

const (
	stageSink       = "sink"
	stageCheckpoint = "checkpoint"
)

// process transforms one event, writes its records and then saves its
// checkpoint. The write and checkpoint are never started for an event
// whose transform failed halfway; such events are skipped.
func (w *Worker) process(ctx context.Context, event changefeed.ChangeEvent) error {
	start := w.cfg.Clock.Now()
	ctx, span := w.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("cdc.feed", w.cfg.Feed),
		attribute.String("cdc.source_key", event.SourceKey),
		attribute.String("cdc.kind", event.Kind.String()),
		attribute.String("cdc.resume_token", string(event.ResumeToken)),
	))
	defer span.End()

	records, err := w.cfg.Transformer.Transform(event)
	if err != nil {
		w.skip(ctx, event, skipTransform, err)
		records = nil
	}
	span.SetAttributes(attribute.Int("cdc.records", len(records)))

	commitCtx, abandoned, release := w.drainContext(ctx)
	defer release()

	if len(records) > 0 {
		err := w.retryWrite(commitCtx, abandoned, stageSink, event, func(ctx context.Context) error {
			return w.cfg.Sink.UpsertBatch(ctx, records)
		})
		if errors.Is(err, changefeed.ErrRecordRejected) {
			w.skip(ctx, event, skipRejected, err)
			records = nil
		} else if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write abandoned")
			return errors.Trace(err)
		}
	}

	err = w.retryWrite(commitCtx, abandoned, stageCheckpoint, event, func(ctx context.Context) error {
		return w.cfg.Checkpoints.Save(ctx, w.cfg.Feed, event.ResumeToken)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint abandoned")
		return errors.Trace(err)
	}

	w.mu.Lock()
	w.checkpoint = event.ResumeToken
	w.processed++
	w.mu.Unlock()

	w.cfg.Metrics.eventDone(w.cfg.Feed, len(records), w.cfg.Clock.Now().Sub(start))
	if w.cfg.Logger.IsLevelEnabled(logger.TRACE) {
		w.cfg.Logger.Tracef(ctx, "feed %q checkpoint %q after %d records for %q",
			w.cfg.Feed, event.ResumeToken, len(records), event.SourceKey)
	}
	return nil
}

func (w *Worker) skip(ctx context.Context, event changefeed.ChangeEvent, reason string, cause error) {
	w.mu.Lock()
	w.skipped++
	w.mu.Unlock()

	w.cfg.Metrics.eventSkipped(w.cfg.Feed, reason)
	trace.SpanFromContext(ctx).AddEvent("skipped", trace.WithAttributes(
		attribute.String("cdc.skip_reason", reason),
	))
	w.cfg.Logger.Warningf(ctx, "feed %q skipping %s of %q at token %q (%s): %v",
		w.cfg.Feed, event.Kind, event.SourceKey, event.ResumeToken, reason, cause)
}

// drainContext returns a context for an in-flight write and checkpoint.
// It is not cancelled when the worker dies; instead the returned channel
// is closed, and the context cancelled, once the drain timeout has passed
// after the worker started dying.
func (w *Worker) drainContext(ctx context.Context) (context.Context, <-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	abandoned := make(chan struct{})
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		select {
		case <-w.catacomb.Dying():
		case <-done:
			return
		}
		w.setState(ctx, Stopping, nil)
		w.cfg.Logger.Infof(ctx, "feed %q draining in-flight event", w.cfg.Feed)

		timer := w.cfg.Clock.NewTimer(w.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.Chan():
			close(abandoned)
			cancel()
		case <-done:
		}
	}()

	return ctx, abandoned, func() {
		close(done)
		<-exited
		cancel()
	}
}

// retryWrite calls fn until it succeeds, fails with a rejection, or the
// in-flight event is abandoned. Each attempt is bounded by the op timeout.
func (w *Worker) retryWrite(
	ctx context.Context, abandoned <-chan struct{}, stage string,
	event changefeed.ChangeEvent, fn func(context.Context) error,
) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
			defer cancel()
			return fn(opCtx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, changefeed.ErrRecordRejected)
		},
		NotifyFunc: func(err error, attempt int) {
			w.cfg.Metrics.writeRetried(w.cfg.Feed, stage)
			w.cfg.Logger.Warningf(ctx, "feed %q %s write for %q at token %q failed (attempt %d): %v",
				w.cfg.Feed, stage, event.SourceKey, event.ResumeToken, attempt, err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       w.cfg.MinBackoff,
		MaxDelay:    w.cfg.MaxBackoff,
		BackoffFunc: w.backoff,
		Clock:       w.cfg.Clock,
		Stop:        abandoned,
	})
	if retry.IsRetryStopped(err) {
		w.cfg.Logger.Warningf(ctx, "feed %q abandoning %s write for %q at token %q after drain timeout",
			w.cfg.Feed, stage, event.SourceKey, event.ResumeToken)
		return errors.Annotatef(errAbandoned, "%s write at token %q", stage, event.ResumeToken)
	}
	return errors.Trace(err)
}
