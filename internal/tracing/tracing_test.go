// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tracing

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	gc "gopkg.in/check.v1"
)

type tracingSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&tracingSuite{})

func (s *tracingSuite) TestValidate(c *gc.C) {
	tests := []struct {
		cfg Config
		err string
	}{
		{Config{SampleRatio: 1}, "empty Endpoint not valid"},
		{Config{Endpoint: "localhost:4317"}, "SampleRatio 0 not valid"},
		{Config{Endpoint: "localhost:4317", SampleRatio: 1.5}, "SampleRatio 1.5 not valid"},
	}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.err)
		err := test.cfg.Validate()
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *tracingSuite) TestSpansCarryResource(c *gc.C) {
	recorder := tracetest.NewSpanRecorder()
	p := newProvider(Config{SampleRatio: 1, InstanceID: "host-1"}, sdktrace.WithSpanProcessor(recorder))

	_, span := p.Tracer("test").Start(context.Background(), "op")
	span.End()
	c.Assert(p.Close(time.Second), jc.ErrorIsNil)

	ended := recorder.Ended()
	c.Assert(ended, gc.HasLen, 1)
	c.Check(ended[0].Name(), gc.Equals, "op")

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ended[0].Resource().Attributes() {
		attrs[kv.Key] = kv.Value
	}
	c.Check(attrs[semconv.ServiceNameKey].AsString(), gc.Equals, DefaultServiceName)
	c.Check(attrs[semconv.ServiceInstanceIDKey].AsString(), gc.Equals, "host-1")
}
