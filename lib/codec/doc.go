// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration used by dcphub for
// the distribution wire protocol, the local ingestion socket, archive
// segment record bodies and the archive checkpoint file.
//
// Encoding is RFC 8949 Core Deterministic: identical values produce
// identical bytes, which the archive relies on when it checksums a
// record body. Decoding ignores unknown fields so older clients keep
// working when a request grows a field.
//
// Buffer-oriented callers use Marshal and Unmarshal. Stream-oriented
// callers (sockets) use NewEncoder and NewDecoder; servers that read
// untrusted peers wrap the connection in a FrameLimiter and call Reset
// before every Decode so one request can never exceed a byte budget.
//
// Struct tags: wire and on-disk types use `cbor` tags only.
package codec
