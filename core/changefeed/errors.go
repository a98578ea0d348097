// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import "github.com/juju/errors"

const (
	// ErrNoEvents is returned by Feed.Next when no event became available
	// before the feed's await period elapsed. It is not an error condition.
	ErrNoEvents = errors.ConstError("no events available")

	// ErrNonResumable indicates that a feed can no longer honour the
	// requested resume position, for example when the position has fallen
	// out of the source's retention window. Resuming from any other position
	// would silently drop events.
	ErrNonResumable = errors.ConstError("resume position no longer valid")

	// ErrRecordRejected indicates that a sink refused a batch for a reason
	// that retrying will not fix, such as a schema or constraint violation.
	ErrRecordRejected = errors.ConstError("record rejected by sink")
)
