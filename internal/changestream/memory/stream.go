// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memory provides an in-process change feed source. Events are
// appended by the caller and delivered in append order to every open feed.
// It backs dry runs and tests, and supports retention truncation and
// fault injection.
package memory

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/cdc/core/changefeed"
)

// DefaultAwaitTime is the time Next waits for an event before reporting
// changefeed.ErrNoEvents.
const DefaultAwaitTime = 100 * time.Millisecond

// Origin is the position before the first event of every feed. Opening a
// feed from Origin delivers all retained events.
var Origin = encodeToken(0)

// Token returns the resume token of the event at the given 1-based
// position.
func Token(position uint64) changefeed.ResumeToken {
	return encodeToken(position)
}

func encodeToken(position uint64) changefeed.ResumeToken {
	return changefeed.ResumeToken(fmt.Sprintf("%016x", position))
}

func decodeToken(token changefeed.ResumeToken) (uint64, error) {
	position, err := strconv.ParseUint(string(token), 16, 64)
	if err != nil || len(token) != 16 {
		return 0, fmt.Errorf("malformed resume token %q: %w", token, changefeed.ErrNonResumable)
	}
	return position, nil
}

type feedLog struct {
	events []changefeed.ChangeEvent
	// trimmed is the highest position no longer retained.
	trimmed uint64
	// changed is closed and replaced whenever the log changes.
	changed chan struct{}
}

// Stream is an in-memory changefeed.Source. It is safe for concurrent use.
type Stream struct {
	clock     clock.Clock
	awaitTime time.Duration

	mu       sync.Mutex
	logs     map[string]*feedLog
	openErrs []error
	nextErrs []error
	// failed is closed and replaced whenever FailNext queues errors.
	failed chan struct{}
	opens  []changefeed.ResumeToken
}

// NewStream returns an empty Stream. Next waits up to awaitTime, measured
// on clk, before reporting changefeed.ErrNoEvents. A zero awaitTime means
// DefaultAwaitTime.
func NewStream(clk clock.Clock, awaitTime time.Duration) *Stream {
	if awaitTime <= 0 {
		awaitTime = DefaultAwaitTime
	}
	return &Stream{
		clock:     clk,
		awaitTime: awaitTime,
		logs:      make(map[string]*feedLog),
		failed:    make(chan struct{}),
	}
}

func (s *Stream) log(feed string) *feedLog {
	l, ok := s.logs[feed]
	if !ok {
		l = &feedLog{changed: make(chan struct{})}
		s.logs[feed] = l
	}
	return l
}

// Append adds an event to the feed and returns its resume token. The
// token and observed time of the given event are assigned by the stream.
func (s *Stream) Append(feed string, event changefeed.ChangeEvent) changefeed.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(feed)
	event.ResumeToken = encodeToken(uint64(len(l.events)) + 1)
	event.ObservedAt = s.clock.Now()
	l.events = append(l.events, event)

	close(l.changed)
	l.changed = make(chan struct{})
	return event.ResumeToken
}

// Truncate drops every event of the feed up to and including the given
// position. Feeds positioned before it can no longer be resumed.
func (s *Stream) Truncate(feed string, position uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(feed)
	if position > uint64(len(l.events)) {
		position = uint64(len(l.events))
	}
	if position <= l.trimmed {
		return
	}
	l.trimmed = position

	close(l.changed)
	l.changed = make(chan struct{})
}

// Head returns the resume token of the last event of the feed.
func (s *Stream) Head(feed string) changefeed.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeToken(uint64(len(s.log(feed).events)))
}

// FailOpen queues errors returned, one per call, by subsequent calls to Open.
func (s *Stream) FailOpen(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErrs = append(s.openErrs, errs...)
}

// FailNext queues errors returned, one per call, by calls to Next on any
// open feed. A Next already waiting for an event returns the first error.
func (s *Stream) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErrs = append(s.nextErrs, errs...)

	close(s.failed)
	s.failed = make(chan struct{})
}

// Opens returns the position requested by every successful call to Open,
// in call order.
func (s *Stream) Opens() []changefeed.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]changefeed.ResumeToken(nil), s.opens...)
}

// popNextErr returns the first queued Next error. If there is none, it
// returns a channel closed when FailNext is next called.
func (s *Stream) popNextErr() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nextErrs) == 0 {
		return s.failed, nil
	}
	err := s.nextErrs[0]
	s.nextErrs = s.nextErrs[1:]
	return nil, err
}

// read returns the event after cursor. If there is none yet, it returns a
// channel closed on the next change of the log.
func (s *Stream) read(feed string, cursor uint64) (changefeed.ChangeEvent, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.log(feed)
	if cursor < l.trimmed {
		return changefeed.ChangeEvent{}, nil, errors.Annotatef(changefeed.ErrNonResumable,
			"feed %q position %d truncated", feed, cursor)
	}
	if cursor >= uint64(len(l.events)) {
		return changefeed.ChangeEvent{}, l.changed, nil
	}
	return l.events[cursor], nil, nil
}
