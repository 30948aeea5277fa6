// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the dcphubctl command tree.
//
// Network commands (fetch, status, sessions) speak the retrieval
// protocol through lib/client. Local commands (user, archive) open the
// hub's state directly using the daemon's configuration file, and
// status can also read the local ingestion socket without logging in.
package commands
