// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package dcp defines the value types that flow through the hub: the
// stored telemetry message, its fixed-size archive index record, and
// the resume position clients use to continue a retrieval.
//
// A [StoredMessage] is built once by the ingestion port and never
// mutated afterwards except for [FlagDeleted]. An [IndexRecord] is the
// 64-byte summary kept in the archive's index ring so that searches
// never touch payload bytes. A [Position] is the pair (generation,
// slot) that maps one-to-one onto the archive's absolute sequence
// number for a given ring capacity.
//
// [ParseHeader] decodes the 37-character GOES DCP header that prefixes
// every raw message handed to the ingestion port.
package dcp
