// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/core/logger"
)

// feed reads a change stream on its own goroutine, since ChangeStream.Next
// blocks without regard to any context.
type feed struct {
	tomb   tomb.Tomb
	name   string
	start  changefeed.ResumeToken
	stream ChangeStream
	clock  clock.Clock
	logger logger.Logger

	out  chan changefeed.ChangeEvent
	idle chan struct{}
}

func newFeed(name string, stream ChangeStream, clk clock.Clock, log logger.Logger) *feed {
	f := &feed{
		name:   name,
		stream: stream,
		clock:  clk,
		logger: log,
		out:    make(chan changefeed.ChangeEvent),
		idle:   make(chan struct{}),
	}
	if token := stream.ResumeToken(); token != nil && len(token.Data) > 0 {
		f.start = encodeToken(token)
	}
	f.tomb.Go(f.loop)
	return f
}

func (f *feed) loop() error {
	defer func() {
		if err := f.stream.Close(); err != nil {
			f.logger.Debugf(context.Background(), "closing change stream for feed %q: %v", f.name, err)
		}
	}()

	for {
		var doc changeDoc
		if !f.stream.Next(&doc) {
			if err := f.stream.Err(); err != nil {
				return errors.Trace(classifyError(err))
			}
			if !f.stream.Timeout() {
				return errors.Errorf("change stream for feed %q ended", f.name)
			}
			select {
			case f.idle <- struct{}{}:
			case <-f.tomb.Dying():
				return tomb.ErrDying
			}
			continue
		}

		event, ok, err := decodeChange(doc, f.stream.ResumeToken(), f.clock.Now())
		if err != nil {
			return errors.Annotatef(err, "decoding change for feed %q", f.name)
		}
		if !ok {
			f.logger.Tracef(context.Background(), "feed %q ignoring %q change", f.name, doc.OperationType)
			continue
		}

		select {
		case f.out <- event:
		case <-f.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

// Next implements changefeed.Feed.
func (f *feed) Next(ctx context.Context) (changefeed.ChangeEvent, error) {
	select {
	case event := <-f.out:
		return event, nil
	case <-f.idle:
		return changefeed.ChangeEvent{}, changefeed.ErrNoEvents
	case <-f.tomb.Dying():
		if err := f.tomb.Err(); err != nil && err != tomb.ErrStillAlive {
			return changefeed.ChangeEvent{}, errors.Trace(err)
		}
		return changefeed.ChangeEvent{}, errors.Errorf("feed %q closed", f.name)
	case <-ctx.Done():
		return changefeed.ChangeEvent{}, errors.Trace(ctx.Err())
	}
}

// Start implements changefeed.Feed. It is the token the stream was
// resumed after or, when opened at the current time, the server's post
// batch resume token.
func (f *feed) Start() changefeed.ResumeToken {
	return f.start
}

// Close implements changefeed.Feed. It waits for any outstanding server
// round trip, which is bounded by the stream's await time.
func (f *feed) Close() error {
	f.tomb.Kill(nil)
	err := f.tomb.Wait()
	if errors.Is(err, changefeed.ErrNonResumable) {
		return nil
	}
	return errors.Trace(err)
}
