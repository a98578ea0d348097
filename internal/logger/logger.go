// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/juju/cdc/core/logger"
)

// GetLogger returns the named logger, backed by the default loggo context.
func GetLogger(name string) corelogger.Logger {
	return WrapLoggo(loggo.GetLogger(name))
}

// WrapLoggo wraps a loggo.Logger as a core logger.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

// ConfigureLoggers applies a loggo configuration string, such as
// "<root>=INFO;cdc.worker.pipeline=DEBUG", to the default context.
func ConfigureLoggers(spec string) error {
	return loggo.ConfigureLoggers(spec)
}

type loggoLogger struct {
	logger loggo.Logger
}

// Criticalf logs a message at the critical level.
func (c loggoLogger) Criticalf(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.CRITICAL, msg, args...)
}

// Errorf logs a message at the error level.
func (c loggoLogger) Errorf(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.ERROR, msg, args...)
}

// Warningf logs a message at the warning level.
func (c loggoLogger) Warningf(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.WARNING, msg, args...)
}

// Infof logs a message at the info level.
func (c loggoLogger) Infof(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.INFO, msg, args...)
}

// Debugf logs a message at the debug level.
func (c loggoLogger) Debugf(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.DEBUG, msg, args...)
}

// Tracef logs a message at the trace level.
func (c loggoLogger) Tracef(_ context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.TRACE, msg, args...)
}

// IsLevelEnabled returns true if the given level is enabled for the logger.
func (c loggoLogger) IsLevelEnabled(level corelogger.Level) bool {
	return c.logger.IsLevelEnabled(loggoLevel(level))
}

// Child returns a new logger with the given name appended to the current
// logger's name.
func (c loggoLogger) Child(name string) corelogger.Logger {
	return loggoLogger{logger: c.logger.Child(name)}
}

func loggoLevel(level corelogger.Level) loggo.Level {
	switch level {
	case corelogger.TRACE:
		return loggo.TRACE
	case corelogger.DEBUG:
		return loggo.DEBUG
	case corelogger.INFO:
		return loggo.INFO
	case corelogger.WARNING:
		return loggo.WARNING
	case corelogger.ERROR:
		return loggo.ERROR
	case corelogger.CRITICAL:
		return loggo.CRITICAL
	default:
		return loggo.UNSPECIFIED
	}
}
