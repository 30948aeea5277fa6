// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/sqlitepool"
)

var migrations = []string{
	`CREATE TABLE users (
		name       TEXT PRIMARY KEY,
		roles      TEXT NOT NULL DEFAULT '',
		disabled   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE digests (
		user      TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
		algorithm TEXT NOT NULL,
		digest    BLOB NOT NULL,
		PRIMARY KEY (user, algorithm)
	);`,
	`CREATE TABLE retrieval_marks (
		user       TEXT PRIMARY KEY,
		next_seq   INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file.
	Path string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the SQLite credential and retrieval-mark store. It
// implements auth.CredentialStore.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// User is an account as listed by ListUsers.
type User struct {
	Name       string
	Roles      []string
	Disabled   bool
	Algorithms []auth.Algorithm
	CreatedAt  time.Time
}

// Open opens or creates the database at config.Path.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       config.Path,
		Logger:     logger,
		Migrations: migrations,
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	return &Store{pool: pool, clock: clk, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Lookup returns the credentials of user, or auth.ErrUnknownUser.
func (s *Store) Lookup(ctx context.Context, user string) (auth.Credentials, error) {
	credentials := auth.Credentials{User: user, Digests: make(map[auth.Algorithm][]byte)}
	found := false
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT roles, disabled FROM users WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{user},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				credentials.Roles = splitRoles(stmt.ColumnText(0))
				credentials.Disabled = stmt.ColumnInt(1) != 0
				return nil
			},
		})
		if err != nil || !found {
			return err
		}
		return sqlitex.Execute(conn, `SELECT algorithm, digest FROM digests WHERE user = ?`, &sqlitex.ExecOptions{
			Args: []any{user},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				digest := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, digest)
				credentials.Digests[auth.Algorithm(stmt.ColumnText(0))] = digest
				return nil
			},
		})
	})
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("credstore: looking up %q: %w", user, err)
	}
	if !found {
		return auth.Credentials{}, auth.ErrUnknownUser
	}
	return credentials, nil
}

// SetPassword creates user or replaces its password and roles. A
// digest is stored for every supported algorithm. The disabled flag
// of an existing user is left unchanged.
func (s *Store) SetPassword(ctx context.Context, user, password string, roles []string) error {
	if user == "" || strings.ContainsAny(user, " \t\r\n") {
		return fmt.Errorf("credstore: invalid user name %q", user)
	}
	digests := make(map[auth.Algorithm][]byte)
	for _, algorithm := range auth.Algorithms() {
		digest, err := auth.PasswordDigest(algorithm, user, password)
		if err != nil {
			return fmt.Errorf("credstore: %w", err)
		}
		digests[algorithm] = digest
	}

	err := s.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		err = sqlitex.Execute(conn, `
			INSERT INTO users (name, roles, created_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET roles = excluded.roles`, &sqlitex.ExecOptions{
			Args: []any{user, joinRoles(roles), s.clock.Now().Unix()},
		})
		if err != nil {
			return err
		}
		if err := sqlitex.Execute(conn, `DELETE FROM digests WHERE user = ?`, &sqlitex.ExecOptions{Args: []any{user}}); err != nil {
			return err
		}
		for algorithm, digest := range digests {
			err := sqlitex.Execute(conn, `INSERT INTO digests (user, algorithm, digest) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{user, string(algorithm), digest},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore: setting password for %q: %w", user, err)
	}
	s.logger.Info("user password set", "user", user, "roles", roles)
	return nil
}

// SetDisabled enables or disables user.
func (s *Store) SetDisabled(ctx context.Context, user string, disabled bool) error {
	changed := 0
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		flag := 0
		if disabled {
			flag = 1
		}
		if err := sqlitex.Execute(conn, `UPDATE users SET disabled = ? WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{flag, user},
		}); err != nil {
			return err
		}
		changed = conn.Changes()
		return nil
	})
	if err != nil {
		return fmt.Errorf("credstore: updating %q: %w", user, err)
	}
	if changed == 0 {
		return fmt.Errorf("credstore: %q: %w", user, auth.ErrUnknownUser)
	}
	s.logger.Info("user disabled flag set", "user", user, "disabled", disabled)
	return nil
}

// RemoveUser deletes user, its digests and its retrieval mark.
func (s *Store) RemoveUser(ctx context.Context, user string) error {
	changed := 0
	err := s.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		if err := sqlitex.Execute(conn, `DELETE FROM users WHERE name = ?`, &sqlitex.ExecOptions{Args: []any{user}}); err != nil {
			return err
		}
		changed = conn.Changes()
		return sqlitex.Execute(conn, `DELETE FROM retrieval_marks WHERE user = ?`, &sqlitex.ExecOptions{Args: []any{user}})
	})
	if err != nil {
		return fmt.Errorf("credstore: removing %q: %w", user, err)
	}
	if changed == 0 {
		return fmt.Errorf("credstore: %q: %w", user, auth.ErrUnknownUser)
	}
	s.logger.Info("user removed", "user", user)
	return nil
}

// ListUsers returns every account, sorted by name.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	byName := make(map[string]int)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT name, roles, disabled, created_at FROM users ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				byName[stmt.ColumnText(0)] = len(users)
				users = append(users, User{
					Name:      stmt.ColumnText(0),
					Roles:     splitRoles(stmt.ColumnText(1)),
					Disabled:  stmt.ColumnInt(2) != 0,
					CreatedAt: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
				})
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `SELECT user, algorithm FROM digests ORDER BY user, algorithm`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if index, ok := byName[stmt.ColumnText(0)]; ok {
					users[index].Algorithms = append(users[index].Algorithms, auth.Algorithm(stmt.ColumnText(1)))
				}
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: listing users: %w", err)
	}
	return users, nil
}

// LoadMark returns the saved next sequence number for user. The bool
// is false when no mark has been saved.
func (s *Store) LoadMark(ctx context.Context, user string) (uint64, bool, error) {
	var (
		seq   uint64
		found bool
	)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT next_seq FROM retrieval_marks WHERE user = ?`, &sqlitex.ExecOptions{
			Args: []any{user},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = uint64(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("credstore: loading mark for %q: %w", user, err)
	}
	return seq, found, nil
}

// SaveMark records seq as the next sequence number for user.
func (s *Store) SaveMark(ctx context.Context, user string, seq uint64) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO retrieval_marks (user, next_seq, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user) DO UPDATE SET next_seq = excluded.next_seq, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{user, int64(seq), s.clock.Now().Unix()},
		})
	})
	if err != nil {
		return fmt.Errorf("credstore: saving mark for %q: %w", user, err)
	}
	return nil
}

func splitRoles(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, ",")
}

func joinRoles(roles []string) string {
	sorted := slices.Clone(roles)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}
