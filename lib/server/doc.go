// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package server accepts distribution protocol connections and runs
// one [session.Session] per connection.
//
// The server enforces the connection limit, evicts sessions that have
// been idle longer than the configured timeout, and on shutdown closes
// the listener and every session before waiting for their goroutines.
// It also assembles the [protocol.StatusSnapshot] that sessions return
// for status requests.
package server
