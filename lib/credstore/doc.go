// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore keeps subscriber accounts and retrieval marks in
// SQLite.
//
// Users carry one password digest per hash algorithm (see package
// auth), a role list and a disabled flag. Plaintext passwords are
// digested on the way in and never stored. A retrieval mark is the
// sequence number a user's next "since last" session starts at; the
// session layer saves it on goodbye and on disconnect.
package credstore
