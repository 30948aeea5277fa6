// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package search filters the archive for a subscriber.
//
// A [Spec] is the wire form of a subscriber's search criteria: time
// expressions such as "now - 1 day", address strings and glob
// patterns, and network list names. [Spec.Resolve] turns it into an
// immutable [Criteria] with absolute times and an address bitmap.
//
// A [Cursor] walks the archive in arrival order, one record per
// [Cursor.Advance], reporting matches, filtered records, messages lost
// to overwrite, and the end of the archive. Cursors are owned by one
// session and never block the archive writer.
package search
