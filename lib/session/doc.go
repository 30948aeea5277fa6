// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs one subscriber connection of the distribution
// protocol.
//
// A [Session] moves through [Connected], optionally [Securing] (a TLS
// handshake, either up front on a tls listener or in place after a
// starttls request), [Authenticated] once the client proves its
// password, and [Streaming] once it has installed search criteria.
// Any protocol violation, an expired authentication deadline, a
// goodbye, or a call to Close ends in [Closed].
//
// Sessions never hold archive locks across network I/O: each next
// request advances the session's own search.Cursor and blocks on
// archive.Store.Notify when it reaches the end of the archive.
package session
