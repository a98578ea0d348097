// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/internal/changestream/memory"
	"github.com/juju/cdc/internal/transform"
)

type workerSuite struct {
	baseSuite
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) TestInsertWritesRecordAndCheckpoint(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	t1 := s.insert("x1", map[string]any{"id": "x1", "name": "alpha"})
	s.waitCheckpoint(c, t1)

	r := s.record(c, "x1")
	c.Check(r.Deleted, jc.IsFalse)
	c.Check(r.SourceResumeToken, gc.Equals, t1)
	c.Check(r.FieldMap(), jc.DeepEquals, map[string]any{"id": "x1", "name": "alpha"})
	c.Check(w.Checkpoint(), gc.Equals, t1)
	c.Check(w.State(), gc.Equals, Watching)
}

func (s *workerSuite) TestDeleteWritesTombstone(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	s.insert("x1", map[string]any{"id": "x1", "name": "alpha"})
	t2 := s.delete("x1")
	s.waitCheckpoint(c, t2)

	r := s.record(c, "x1")
	c.Check(r.Deleted, jc.IsTrue)
	c.Check(r.SourceResumeToken, gc.Equals, t2)
	c.Check(s.count(c), gc.Equals, 1)
}

func (s *workerSuite) TestSinkFailureRetriesWithoutAdvancing(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	failed := make(chan struct{}, 2)
	release := make(chan struct{})
	sink := NewMockSink(ctrl)
	gomock.InOrder(
		sink.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, []changefeed.FlatRecord) error {
				failed <- struct{}{}
				return errors.New("sink unavailable")
			}),
		sink.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, []changefeed.FlatRecord) error {
				failed <- struct{}{}
				<-release
				return errors.New("sink unavailable")
			}),
		sink.EXPECT().UpsertBatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, records []changefeed.FlatRecord) error {
				return s.records.UpsertBatch(ctx, records)
			}),
	)

	cfg := s.config(c)
	cfg.Sink = sink
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	for i := 0; i < 2; i++ {
		select {
		case <-failed:
		case <-time.After(testing.LongWait):
			c.Fatalf("timed out waiting for write attempt %d", i+1)
		}
	}
	c.Check(s.checkpoint(c), gc.Equals, changefeed.ResumeToken(""))
	c.Check(w.Checkpoint(), gc.Equals, changefeed.ResumeToken(""))
	close(release)

	s.waitCheckpoint(c, t1)
	c.Check(s.record(c, "x1").SourceResumeToken, gc.Equals, t1)
	c.Check(testutil.ToFloat64(cfg.Metrics.retries.WithLabelValues(feedName, stageSink)), gc.Equals, float64(2))
}

func (s *workerSuite) TestFeedErrorReopensFromCheckpoint(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)

	s.stream.FailNext(errors.New("connection reset"))
	t2 := s.insert("x2", map[string]any{"id": "x2"})
	s.waitCheckpoint(c, t2)

	c.Check(s.stream.Opens(), jc.DeepEquals, []changefeed.ResumeToken{memory.Origin, t1})
	c.Check(s.ledger.count("write", t1), gc.Equals, 1)
	c.Check(s.ledger.count("write", t2), gc.Equals, 1)
	c.Check(w.Report()["consecutive-failures"], gc.Equals, 0)
	c.Check(w.Report()["last-error"], gc.Matches, `reading feed "orders": connection reset`)
}

func (s *workerSuite) TestReopenBeforeFirstCheckpointKeepsStartPosition(c *gc.C) {
	t0 := s.insert("x0", map[string]any{"id": "x0"})

	cfg := s.config(c)
	cfg.StartFrom = ""
	cfg.MinBackoff = 500 * time.Millisecond
	cfg.MaxBackoff = 500 * time.Millisecond
	s.stream.FailNext(errors.New("connection reset"))
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	waitFor(c, "backoff", func() bool { return w.State() == Backoff })
	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)

	c.Check(s.stream.Opens(), jc.DeepEquals, []changefeed.ResumeToken{"", t0})
	c.Check(s.ledger.count("write", t0), gc.Equals, 0)
	c.Check(s.ledger.count("write", t1), gc.Equals, 1)
}

func (s *workerSuite) TestOpenFailureBacksOff(c *gc.C) {
	s.stream.FailOpen(errors.New("no route"), errors.New("no route"))

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: loggo.GetLogger("test")})
	var (
		mu      sync.Mutex
		backoff int
	)
	unsub := hub.Subscribe(StateTopic, func(_ string, data any) {
		if change, ok := data.(StateChange); ok && change.To == Backoff {
			mu.Lock()
			backoff++
			mu.Unlock()
		}
	})
	defer unsub()

	cfg := s.config(c)
	cfg.Hub = hub
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)

	waitFor(c, "two backoff transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return backoff == 2
	})
	c.Check(testutil.ToFloat64(cfg.Metrics.feedErrors.WithLabelValues(feedName)), gc.Equals, float64(2))
}

func (s *workerSuite) TestReplayIsIdempotent(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	s.insert("x1", map[string]any{"id": "x1", "n": 1})
	t2 := s.insert("x2", map[string]any{"id": "x2", "n": 2})
	s.waitCheckpoint(c, t2)
	workertest.CleanKill(c, w)

	before := s.record(c, "x1")
	err := s.checkpoints.Reset(context.Background(), feedName)
	c.Assert(err, jc.ErrorIsNil)

	w = s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)
	s.waitCheckpoint(c, t2)

	c.Check(s.count(c), gc.Equals, 2)
	after := s.record(c, "x1")
	c.Check(after.RecordID, gc.Equals, before.RecordID)
	c.Check(after.FieldMap(), jc.DeepEquals, before.FieldMap())
	c.Check(s.ledger.count("write", t2), gc.Equals, 2)
}

func (s *workerSuite) TestResumesAfterCheckpoint(c *gc.C) {
	t1 := s.insert("x1", map[string]any{"id": "x1"})
	t2 := s.insert("x2", map[string]any{"id": "x2"})
	err := s.checkpoints.Save(context.Background(), feedName, t1)
	c.Assert(err, jc.ErrorIsNil)

	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)
	s.waitCheckpoint(c, t2)

	c.Check(s.stream.Opens(), jc.DeepEquals, []changefeed.ResumeToken{t1})
	c.Check(s.ledger.count("write", t1), gc.Equals, 0)
	c.Check(s.count(c), gc.Equals, 1)
}

func (s *workerSuite) TestEventsProcessedInOrder(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	var tokens []changefeed.ResumeToken
	for _, key := range []string{"a", "b", "c", "a", "b"} {
		tokens = append(tokens, s.insert(key, map[string]any{"id": key}))
	}
	s.waitCheckpoint(c, tokens[len(tokens)-1])

	var saved []changefeed.ResumeToken
	for _, o := range s.ledger.all() {
		if o.kind == "save" {
			saved = append(saved, o.token)
		}
	}
	c.Check(saved, jc.DeepEquals, tokens)
	c.Check(s.record(c, "a").SourceResumeToken, gc.Equals, tokens[3])
	s.checkWriteBeforeSave(c)
}

func (s *workerSuite) TestCheckpointFollowsWrite(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	s.insert("x1", map[string]any{"id": "x1"})
	t2 := s.delete("x1")
	s.waitCheckpoint(c, t2)

	c.Check(s.ledger.all(), gc.HasLen, 4)
	s.checkWriteBeforeSave(c)
}

// blockingSink blocks every write until it is released or its context
// is done.
type blockingSink struct {
	changefeed.Sink
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	released []error
}

func (b *blockingSink) UpsertBatch(ctx context.Context, records []changefeed.FlatRecord) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.released = append(b.released, ctx.Err())
	b.mu.Unlock()
	return b.Sink.UpsertBatch(ctx, records)
}

func (s *workerSuite) TestKillDrainsInFlightEvent(c *gc.C) {
	sink := &blockingSink{
		Sink:    s.records,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cfg := s.config(c)
	cfg.Sink = sink
	w := s.newWorker(c, cfg)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	select {
	case <-sink.entered:
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for write")
	}

	w.Kill()
	waitFor(c, "stopping", func() bool { return w.State() == Stopping })
	s.insert("x2", map[string]any{"id": "x2"})
	close(sink.release)

	err := workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.checkpoint(c), gc.Equals, t1)
	c.Check(w.State(), gc.Equals, Stopped)
	c.Check(sink.released, jc.DeepEquals, []error{nil})
	c.Check(s.count(c), gc.Equals, 1)
}

func (s *workerSuite) TestKillAbandonsAfterDrainTimeout(c *gc.C) {
	sink := &blockingSink{
		Sink:    s.records,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	cfg := s.config(c)
	cfg.Sink = sink
	cfg.DrainTimeout = 20 * time.Millisecond
	cfg.OpTimeout = testing.LongWait
	w := s.newWorker(c, cfg)

	s.insert("x1", map[string]any{"id": "x1"})
	select {
	case <-sink.entered:
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for write")
	}

	w.Kill()
	err := workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.checkpoint(c), gc.Equals, changefeed.ResumeToken(""))
	c.Check(w.Checkpoint(), gc.Equals, changefeed.ResumeToken(""))
	c.Check(s.count(c), gc.Equals, 0)
}

func (s *workerSuite) TestTruncatedHistoryFaults(c *gc.C) {
	s.insert("x1", map[string]any{"id": "x1"})
	s.insert("x2", map[string]any{"id": "x2"})
	s.stream.Truncate(feedName, 1)

	w := s.newWorker(c, s.config(c))
	err := workertest.CheckKilled(c, w)
	c.Check(err, jc.ErrorIs, changefeed.ErrNonResumable)
	c.Check(w.State(), gc.Equals, Faulted)
	c.Check(s.count(c), gc.Equals, 0)
	c.Check(s.checkpoint(c), gc.Equals, changefeed.ResumeToken(""))
}

func (s *workerSuite) TestTransformFailureSkipsEvent(c *gc.C) {
	var err error
	s.transformer, err = transform.New(transform.Config{
		Feed:   feedName,
		Schema: `{"type": "object", "required": ["name"]}`,
	})
	c.Assert(err, jc.ErrorIsNil)

	cfg := s.config(c)
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	s.insert("x1", map[string]any{"id": "x1"})
	t2 := s.insert("x2", map[string]any{"id": "x2", "name": "beta"})
	s.waitCheckpoint(c, t2)

	_, err = s.records.Get(context.Background(), s.transformer.RecordID("x1", transform.DefaultProjection))
	c.Check(err, jc.ErrorIs, errors.NotFound)
	c.Check(s.record(c, "x2").SourceResumeToken, gc.Equals, t2)
	c.Check(testutil.ToFloat64(cfg.Metrics.skipped.WithLabelValues(feedName, skipTransform)), gc.Equals, float64(1))

	report := w.Report()
	c.Check(report["events-processed"], gc.Equals, 2)
	c.Check(report["events-skipped"], gc.Equals, 1)
}

// sinkFunc adapts a function to changefeed.Sink.
type sinkFunc func(context.Context, []changefeed.FlatRecord) error

func (f sinkFunc) UpsertBatch(ctx context.Context, records []changefeed.FlatRecord) error {
	return f(ctx, records)
}

func (s *workerSuite) TestRejectedRecordSkipsEvent(c *gc.C) {
	cfg := s.config(c)
	cfg.Sink = sinkFunc(func(ctx context.Context, records []changefeed.FlatRecord) error {
		if records[0].SourceKey == "x1" {
			return fmt.Errorf("%w: check constraint failed", changefeed.ErrRecordRejected)
		}
		return s.records.UpsertBatch(ctx, records)
	})
	w := s.newWorker(c, cfg)
	defer workertest.CleanKill(c, w)

	s.insert("x1", map[string]any{"id": "x1"})
	t2 := s.insert("x2", map[string]any{"id": "x2"})
	s.waitCheckpoint(c, t2)

	c.Check(s.count(c), gc.Equals, 1)
	c.Check(testutil.ToFloat64(cfg.Metrics.skipped.WithLabelValues(feedName, skipRejected)), gc.Equals, float64(1))
	c.Check(testutil.ToFloat64(cfg.Metrics.retries.WithLabelValues(feedName, stageSink)), gc.Equals, float64(0))
	c.Check(w.Report()["events-skipped"], gc.Equals, 1)
}

func (s *workerSuite) TestCheckpointLoadFailure(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	checkpoints := NewMockCheckpointStore(ctrl)
	checkpoints.EXPECT().Load(gomock.Any(), feedName).Return(changefeed.ResumeToken(""), errors.New("disk on fire")).Times(3)

	cfg := s.config(c)
	cfg.Checkpoints = checkpoints
	w := s.newWorker(c, cfg)

	err := workertest.CheckKilled(c, w)
	c.Check(err, gc.ErrorMatches, `loading checkpoint for feed "orders": disk on fire`)
	c.Check(s.stream.Opens(), gc.HasLen, 0)
}

func (s *workerSuite) TestStateTransitionsPublished(c *gc.C) {
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: loggo.GetLogger("test")})
	changes := make(chan StateChange, 10)
	unsub := hub.Subscribe(StateTopic, func(_ string, data any) {
		changes <- data.(StateChange)
	})
	defer unsub()

	cfg := s.config(c)
	cfg.Hub = hub
	w := s.newWorker(c, cfg)

	next := func() StateChange {
		select {
		case change := <-changes:
			return change
		case <-time.After(testing.LongWait):
			c.Fatalf("timed out waiting for state change")
		}
		return StateChange{}
	}
	var seen []State
	for _, want := range []State{Starting, Watching} {
		change := next()
		c.Check(change.Feed, gc.Equals, feedName)
		c.Check(change.To, gc.Equals, want)
		seen = append(seen, change.To)
	}

	workertest.CleanKill(c, w)
	for _, want := range []State{Stopping, Stopped} {
		c.Check(next().To, gc.Equals, want)
	}
	c.Check(seen, jc.DeepEquals, []State{Starting, Watching})
}

func (s *workerSuite) TestReport(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	defer workertest.CleanKill(c, w)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)
	waitFor(c, "report", func() bool { return w.Report()["events-processed"] == 1 })

	c.Check(w.Report(), jc.DeepEquals, map[string]any{
		"feed":                 feedName,
		"state":                "watching",
		"checkpoint":           string(t1),
		"events-processed":     1,
		"events-skipped":       0,
		"consecutive-failures": 0,
	})
}

func (s *workerSuite) TestRunReturnsOnCancel(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, s.config(c))
	}()

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)
	cancel()

	select {
	case err := <-done:
		c.Check(err, jc.ErrorIsNil)
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for Run to return")
	}
}

func (s *workerSuite) TestRunReturnsFault(c *gc.C) {
	s.insert("x1", map[string]any{"id": "x1"})
	s.stream.Truncate(feedName, 1)

	err := Run(context.Background(), s.config(c))
	c.Check(err, jc.ErrorIs, changefeed.ErrNonResumable)
}

func (s *workerSuite) TestEventSpans(c *gc.C) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	cfg := s.config(c)
	cfg.Tracer = provider.Tracer("test")
	w := s.newWorker(c, cfg)

	t1 := s.insert("x1", map[string]any{"id": "x1"})
	s.waitCheckpoint(c, t1)
	workertest.CleanKill(c, w)

	ended := recorder.Ended()
	c.Assert(ended, gc.HasLen, 1)
	c.Check(ended[0].Name(), gc.Equals, "pipeline.process")

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	c.Check(attrs["cdc.feed"].AsString(), gc.Equals, feedName)
	c.Check(attrs["cdc.source_key"].AsString(), gc.Equals, "x1")
	c.Check(attrs["cdc.kind"].AsString(), gc.Equals, "insert")
	c.Check(attrs["cdc.resume_token"].AsString(), gc.Equals, string(t1))
	c.Check(attrs["cdc.records"].AsInt64(), gc.Equals, int64(1))
}
