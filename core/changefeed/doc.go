// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changefeed defines the types and collaborator contracts of the
// change-data-capture pipeline: change events read from a resumable feed,
// the flat records derived from them, and the sink and checkpoint store
// they are persisted to.
package changefeed
