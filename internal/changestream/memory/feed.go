// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package memory

import (
	"context"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/cdc/core/changefeed"
)

// Open implements changefeed.Source. An empty from positions the feed at
// the current end of the log.
func (s *Stream) Open(ctx context.Context, feed string, from changefeed.ResumeToken) (changefeed.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return nil, err
	}

	l := s.log(feed)
	cursor := uint64(len(l.events))
	if !from.IsZero() {
		position, err := decodeToken(from)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if position < l.trimmed {
			return nil, errors.Annotatef(changefeed.ErrNonResumable,
				"feed %q position %d older than retained history", feed, position)
		}
		cursor = min(position, uint64(len(l.events)))
	}
	s.opens = append(s.opens, from)

	f := &memoryFeed{
		stream: s,
		name:   feed,
		start:  encodeToken(cursor),
		cursor: cursor,
		out:    make(chan changefeed.ChangeEvent),
	}
	f.tomb.Go(f.loop)
	return f, nil
}

type memoryFeed struct {
	tomb   tomb.Tomb
	stream *Stream
	name   string
	start  changefeed.ResumeToken
	cursor uint64
	out    chan changefeed.ChangeEvent
}

func (f *memoryFeed) loop() error {
	for {
		event, changed, err := f.stream.read(f.name, f.cursor)
		if err != nil {
			return errors.Trace(err)
		}
		if changed != nil {
			select {
			case <-changed:
				continue
			case <-f.tomb.Dying():
				return tomb.ErrDying
			}
		}

		select {
		case f.out <- event:
			f.cursor++
		case <-f.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

// Next implements changefeed.Feed.
func (f *memoryFeed) Next(ctx context.Context) (changefeed.ChangeEvent, error) {
	await := f.stream.clock.After(f.stream.awaitTime)
	for {
		failed, err := f.stream.popNextErr()
		if err != nil {
			return changefeed.ChangeEvent{}, err
		}

		select {
		case event := <-f.out:
			return event, nil
		case <-failed:
			continue
		case <-f.tomb.Dying():
			if err := f.tomb.Err(); err != nil && err != tomb.ErrStillAlive && err != tomb.ErrDying {
				return changefeed.ChangeEvent{}, errors.Trace(err)
			}
			return changefeed.ChangeEvent{}, errors.Errorf("feed %q closed", f.name)
		case <-ctx.Done():
			return changefeed.ChangeEvent{}, errors.Trace(ctx.Err())
		case <-await:
			return changefeed.ChangeEvent{}, changefeed.ErrNoEvents
		}
	}
}

// Start implements changefeed.Feed.
func (f *memoryFeed) Start() changefeed.ResumeToken {
	return f.start
}

// Close implements changefeed.Feed.
func (f *memoryFeed) Close() error {
	f.tomb.Kill(nil)
	err := f.tomb.Wait()
	if errors.Is(err, changefeed.ErrNonResumable) {
		return nil
	}
	return errors.Trace(err)
}
