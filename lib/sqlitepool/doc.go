// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the hub's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with the settings every hub
// database uses: WAL journal mode so status queries never block the
// credential writer, NORMAL synchronous, a busy timeout, and a small
// schema migration runner keyed on PRAGMA user_version.
//
// Callers [Pool.Take] a connection, do their work, and [Pool.Put] it
// back, or use [Pool.With] to do both. Connections are not safe for
// concurrent use.
//
// # Migrations
//
// Config.Migrations is an ordered list of SQL scripts. On Open, each
// script whose index is at or above the database's user_version runs
// in its own immediate transaction, which then bumps user_version.
// Scripts are append-only: editing one that has shipped does nothing
// to databases that already ran it.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       filepath.Join(dir, "credentials.db"),
//	    Logger:     logger,
//	    Migrations: []string{createUsers, addRetrievalMarks},
//	})
package sqlitepool
