// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.db")
	store, err := Open(Config{
		Path:   path,
		Clock:  clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetPasswordAndVerify(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SetPassword(ctx, "alice", "correct horse", []string{"subscriber", "admin", "subscriber"}); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	credentials, err := store.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(credentials.Digests) != len(auth.Algorithms()) {
		t.Fatalf("stored %d digests, want %d", len(credentials.Digests), len(auth.Algorithms()))
	}
	if len(credentials.Roles) != 2 || credentials.Roles[0] != "admin" || credentials.Roles[1] != "subscriber" {
		t.Fatalf("roles = %v", credentials.Roles)
	}

	now := time.Now()
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Store: store, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	unixTime, authenticator, _ := auth.Sign(auth.SHA3_256, "alice", "correct horse", now)
	if _, err := verifier.Verify(ctx, "alice", unixTime, auth.SHA3_256, authenticator); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Changing the password invalidates the old one.
	if err := store.SetPassword(ctx, "alice", "battery staple", []string{"subscriber"}); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := verifier.Verify(ctx, "alice", unixTime, auth.SHA3_256, authenticator); !errors.Is(err, auth.ErrAuthFailed) {
		t.Fatalf("old password still verifies: %v", err)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Lookup(context.Background(), "nobody"); !errors.Is(err, auth.ErrUnknownUser) {
		t.Fatalf("Lookup error = %v, want ErrUnknownUser", err)
	}
}

func TestDisableAndRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SetPassword(ctx, "alice", "pw", nil)
	store.SetPassword(ctx, "bob", "pw", nil)

	if err := store.SetDisabled(ctx, "alice", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	credentials, _ := store.Lookup(ctx, "alice")
	if !credentials.Disabled {
		t.Fatal("alice not disabled")
	}
	// A password reset does not re-enable the account.
	store.SetPassword(ctx, "alice", "pw2", nil)
	if credentials, _ := store.Lookup(ctx, "alice"); !credentials.Disabled {
		t.Fatal("password reset re-enabled alice")
	}

	if err := store.SetDisabled(ctx, "nobody", true); !errors.Is(err, auth.ErrUnknownUser) {
		t.Fatalf("SetDisabled(nobody) error = %v", err)
	}

	store.SaveMark(ctx, "bob", 42)
	if err := store.RemoveUser(ctx, "bob"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	if _, found, _ := store.LoadMark(ctx, "bob"); found {
		t.Fatal("mark survived user removal")
	}
	if err := store.RemoveUser(ctx, "bob"); !errors.Is(err, auth.ErrUnknownUser) {
		t.Fatalf("second RemoveUser error = %v", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 || users[0].Name != "alice" || !users[0].Disabled || len(users[0].Algorithms) != 3 {
		t.Fatalf("users = %+v", users)
	}
}

func TestRetrievalMarksPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	store, err := Open(Config{Path: path, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	if _, found, err := store.LoadMark(ctx, "alice"); err != nil || found {
		t.Fatalf("LoadMark before save: found=%v err=%v", found, err)
	}
	store.SaveMark(ctx, "alice", 100)
	if err := store.SaveMark(ctx, "alice", 250); err != nil {
		t.Fatalf("SaveMark: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	seq, found, err := reopened.LoadMark(ctx, "alice")
	if err != nil || !found || seq != 250 {
		t.Fatalf("LoadMark = %d, %v, %v; want 250", seq, found, err)
	}
}
