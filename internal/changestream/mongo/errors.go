// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"

	"github.com/juju/cdc/core/changefeed"
)

// Server error codes that mean a change stream cannot be resumed from the
// requested token.
const (
	codeCappedPositionLost      = 136
	codeInvalidResumeToken      = 260
	codeChangeStreamFatal       = 280
	codeChangeStreamHistoryLost = 286
)

// classifyError maps change stream errors onto the changefeed taxonomy.
// Errors that mean the resume position is gone match
// changefeed.ErrNonResumable; everything else is returned unchanged and
// treated as transient.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if isNonResumable(err) {
		return errors.Annotatef(changefeed.ErrNonResumable, "%v", err)
	}
	return err
}

func isNonResumable(err error) bool {
	var qerr *mgo.QueryError
	if errors.As(err, &qerr) {
		switch qerr.Code {
		case codeCappedPositionLost,
			codeInvalidResumeToken,
			codeChangeStreamFatal,
			codeChangeStreamHistoryLost:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resume token was not found") ||
		strings.Contains(msg, "resume of change stream was not possible")
}
