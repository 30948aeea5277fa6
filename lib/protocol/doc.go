// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire messages of the distribution
// protocol and the local ingestion socket.
//
// Both are streams of self-delimiting CBOR values. A client writes a
// request map carrying an "action" field and reads exactly one
// [Response] before writing the next request. A typical subscriber
// session:
//
//	hello     -> HelloResponse (server time, algorithms, security)
//	starttls  -> ok, then a TLS handshake on the same connection
//	auth      -> AuthResponse
//	criteria  -> CriteriaResponse
//	next      -> NextResponse (repeated)
//	goodbye   -> ok, connection closed
//
// A Response with Closing set is the last value the server writes
// before closing the connection.
package protocol
