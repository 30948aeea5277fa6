// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dcphub/dcphub/lib/sqlitepool"
	"github.com/dcphub/dcphub/lib/testutil"
)

var migrations = []string{
	`CREATE TABLE users (name TEXT PRIMARY KEY);`,
	`ALTER TABLE users ADD COLUMN disabled INTEGER NOT NULL DEFAULT 0;`,
}

func queryInt(t *testing.T, pool *sqlitepool.Pool, query string) int {
	t.Helper()
	var value int
	err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestOpenAppliesPragmasAndMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Logger: testutil.Logger(t), Migrations: migrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	if version := queryInt(t, pool, "PRAGMA user_version"); version != 2 {
		t.Errorf("user_version = %d, want 2", version)
	}
	if synchronous := queryInt(t, pool, "PRAGMA synchronous"); synchronous != 1 {
		t.Errorf("synchronous = %d, want 1 (NORMAL)", synchronous)
	}
	err = pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO users (name, disabled) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{"alice", 1},
		})
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
}

func TestMigrationsRunOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	first, err := sqlitepool.Open(sqlitepool.Config{Path: path, Migrations: migrations[:1]})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.Close()

	// Reopening with one more migration applies only the new one; the
	// CREATE TABLE would fail if it ran twice.
	second, err := sqlitepool.Open(sqlitepool.Config{Path: path, Migrations: migrations})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if version := queryInt(t, second, "PRAGMA user_version"); version != 2 {
		t.Errorf("user_version = %d, want 2", version)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Migrations: migrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pool.Close()

	if _, err := sqlitepool.Open(sqlitepool.Config{Path: path, Migrations: migrations[:1]}); err == nil {
		t.Fatal("Open of a newer schema succeeded")
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestTakeHonorsContext(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: filepath.Join(t.TempDir(), "test.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take with a cancelled context succeeded while the pool was exhausted")
	}
}
