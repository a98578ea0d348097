// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package checkpoint holds the last durably processed resume token of each
// feed. It lives in the same database as the flat records it describes.
package checkpoint
