// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the boundary where producers hand raw DCP messages
// to the archive.
//
// Every producer, in-process or connected through the local
// [SocketServer], calls [Port.Submit]. The port validates the 37-byte
// DCP header, derives the address, quality flags and event time, and
// submits the message to the archive. Malformed input is rejected with
// a [*RejectedError] and counted against the producer; it never
// reaches the archive.
package ingest
