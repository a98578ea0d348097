// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package flatrecord holds the persistence of flattened records produced
// by the pipeline. Records are keyed by their record id and written with
// upsert semantics, so replaying an event leaves the store unchanged.
package flatrecord
