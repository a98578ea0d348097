// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"

	"github.com/juju/cdc/core/logger"
)

// CheckLog is an interface that can be used to log messages to a
// *testing.T or *check.C.
type CheckLog interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a logger.Logger that writes every message to the
// given CheckLog, so it shows up alongside a failing test.
func WrapCheckLog(log CheckLog) logger.Logger {
	return checkLogger{log: log}
}

type checkLogger struct {
	log  CheckLog
	name string
}

func (c checkLogger) Criticalf(_ context.Context, msg string, args ...any) {
	c.logf(logger.CRITICAL, msg, args...)
}

func (c checkLogger) Errorf(_ context.Context, msg string, args ...any) {
	c.logf(logger.ERROR, msg, args...)
}

func (c checkLogger) Warningf(_ context.Context, msg string, args ...any) {
	c.logf(logger.WARNING, msg, args...)
}

func (c checkLogger) Infof(_ context.Context, msg string, args ...any) {
	c.logf(logger.INFO, msg, args...)
}

func (c checkLogger) Debugf(_ context.Context, msg string, args ...any) {
	c.logf(logger.DEBUG, msg, args...)
}

func (c checkLogger) Tracef(_ context.Context, msg string, args ...any) {
	c.logf(logger.TRACE, msg, args...)
}

func (c checkLogger) IsLevelEnabled(logger.Level) bool { return true }

func (c checkLogger) Child(name string) logger.Logger {
	if c.name != "" {
		name = c.name + "." + name
	}
	return checkLogger{log: c.log, name: name}
}

func (c checkLogger) logf(level logger.Level, msg string, args ...any) {
	prefix := level.String()
	if c.name != "" {
		prefix = fmt.Sprintf("%s %s", prefix, c.name)
	}
	c.log.Logf(prefix+": "+msg, args...)
}
