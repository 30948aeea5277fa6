// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive implements the bounded, rolling, crash-recoverable
// message archive.
//
// The archive is a ring of N fixed-size index slots backed by rotating
// append-only data segments. Every accepted message receives an
// absolute sequence number; its slot is seq mod N and its generation
// is seq / N. A sequence number is live while it is among the N most
// recently written. Readers that fall further behind than that are
// told how many messages they lost and where to resume, instead of
// silently reading a slot that now holds a newer message.
//
// On-disk layout under the archive directory:
//
//	lock             flock target; one process per archive
//	index.ring       N x 64-byte index slots, written in place
//	seg-%08d.dat     data segments, append-only
//	checkpoint.cbor  periodic durable snapshot of the write position
//
// A segment record is a 24-byte header, a 16-byte blake3 checksum over
// header and body, and a CBOR body carrying the message metadata and
// the (optionally compressed) payload.
//
// [Store.Submit] is the only path that appends. Writers are serialized
// by a one-slot semaphore acquired with a bounded wait; the RWMutex
// guarding in-memory state is held only to publish a finished write,
// so readers never wait behind disk I/O.
package archive
