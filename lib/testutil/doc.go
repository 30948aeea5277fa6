// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared by dcphub tests.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes. [RequireReceive] and
// [RequireClosed] wrap the select-with-timeout safety valve so tests do
// not hang forever when a goroutine never delivers. [Logger] returns a
// slog logger that writes through t.Log.
package testutil
