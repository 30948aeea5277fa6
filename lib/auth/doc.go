// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the subscriber authentication handshake.
//
// Passwords never cross the wire. The server stores, per user and per
// hash algorithm, a password digest:
//
//	PasswordDigest = H(user || password || user || password)
//
// At connect time the server sends its clock and the algorithms it
// accepts. The client answers with a Unix time and an authenticator:
//
//	Authenticator = H(user || PasswordDigest || BE32(time) ||
//	                  user || PasswordDigest || BE32(time))
//
// The server recomputes the authenticator from the stored digest and
// accepts it if it matches and the client's time is within the
// configured tolerance of the server's. An optional replay cache
// rejects an exact repeat of an accepted (user, time, authenticator)
// triple while it could still pass the time check.
//
// Every failure surfaces as the single [ErrAuthFailed], so a client
// cannot distinguish an unknown user from a wrong password or a
// skewed clock. The reason is logged server-side.
package auth
