// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T, rejectReplays bool) (*Verifier, *clock.FakeClock) {
	t.Helper()
	store := NewMemoryStore()
	store.SetPassword("alice", "correct horse", "subscriber")
	store.Put(Credentials{User: "mallory", Disabled: true, Digests: map[Algorithm][]byte{SHA256: mustDigest(t, SHA256, "mallory", "pw")}})

	fake := clock.Fake(epoch)
	verifier, err := NewVerifier(VerifierConfig{
		Store:         store,
		RejectReplays: rejectReplays,
		Clock:         fake,
		Logger:        testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return verifier, fake
}

func mustDigest(t *testing.T, algorithm Algorithm, user, password string) []byte {
	t.Helper()
	digest, err := PasswordDigest(algorithm, user, password)
	if err != nil {
		t.Fatalf("PasswordDigest: %v", err)
	}
	return digest
}

func TestDigestConstruction(t *testing.T) {
	user, password := "alice", "secret"
	h := sha256.New()
	h.Write([]byte(user + password + user + password))
	wantDigest := h.Sum(nil)

	digest := mustDigest(t, SHA256, user, password)
	if !bytes.Equal(digest, wantDigest) {
		t.Fatalf("PasswordDigest = %x, want %x", digest, wantDigest)
	}

	unixTime := epoch.Unix()
	var timeBytes [4]byte
	binary.BigEndian.PutUint32(timeBytes[:], uint32(unixTime))
	h = sha256.New()
	for range 2 {
		h.Write([]byte(user))
		h.Write(wantDigest)
		h.Write(timeBytes[:])
	}
	authenticator, err := Authenticator(SHA256, user, digest, unixTime)
	if err != nil {
		t.Fatalf("Authenticator: %v", err)
	}
	if !bytes.Equal(authenticator, h.Sum(nil)) {
		t.Fatalf("Authenticator mismatch")
	}
}

func TestAlgorithmsProduceDistinctDigests(t *testing.T) {
	seen := make(map[string]Algorithm)
	for _, algorithm := range Algorithms() {
		digest := mustDigest(t, algorithm, "alice", "secret")
		if previous, ok := seen[string(digest)]; ok {
			t.Fatalf("%s and %s produced the same digest", algorithm, previous)
		}
		seen[string(digest)] = algorithm
	}
	if _, err := PasswordDigest("md5", "alice", "secret"); err == nil {
		t.Fatal("md5 accepted")
	}
}

func TestVerifyAcceptsEveryAlgorithm(t *testing.T) {
	verifier, fake := newTestVerifier(t, false)
	for _, algorithm := range Algorithms() {
		unixTime, authenticator, err := Sign(algorithm, "alice", "correct horse", fake.Now())
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		identity, err := verifier.Verify(context.Background(), "alice", unixTime, algorithm, authenticator)
		if err != nil {
			t.Fatalf("%s: Verify: %v", algorithm, err)
		}
		if identity.User != "alice" || !identity.HasRole("subscriber") {
			t.Fatalf("identity = %+v", identity)
		}
	}
}

func TestVerifyIsIdempotentWithoutReplayCache(t *testing.T) {
	verifier, fake := newTestVerifier(t, false)
	unixTime, authenticator, _ := Sign(SHA256, "alice", "correct horse", fake.Now())
	for i := 0; i < 3; i++ {
		if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, authenticator); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	_, wrong, _ := Sign(SHA256, "alice", "wrong", fake.Now())
	for i := 0; i < 3; i++ {
		if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, wrong); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("attempt %d with wrong password: %v", i, err)
		}
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	verifier, fake := newTestVerifier(t, true)
	unixTime, authenticator, _ := Sign(SHA256, "alice", "correct horse", fake.Now())

	if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, authenticator); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, authenticator); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("replayed Verify error = %v, want ErrAuthFailed", err)
	}

	// A fresh authenticator a second later is fine.
	fake.Advance(time.Second)
	unixTime, authenticator, _ = Sign(SHA256, "alice", "correct horse", fake.Now())
	if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, authenticator); err != nil {
		t.Fatalf("fresh Verify: %v", err)
	}

	// Entries expire once they could no longer pass the time check.
	fake.Advance(2*DefaultTolerance + time.Second)
	verifier.replays.record(replayKey("bob", 1, nil))
	if n := verifier.replays.len(); n != 1 {
		t.Fatalf("replay cache holds %d entries after expiry, want 1", n)
	}
}

func TestVerifyTimeTolerance(t *testing.T) {
	verifier, fake := newTestVerifier(t, false)
	tests := []struct {
		offset time.Duration
		ok     bool
	}{
		{0, true},
		{DefaultTolerance, true},
		{-DefaultTolerance, true},
		{DefaultTolerance + time.Second, false},
		{-DefaultTolerance - time.Second, false},
	}
	for _, test := range tests {
		unixTime, authenticator, _ := Sign(SHA256, "alice", "correct horse", fake.Now().Add(test.offset))
		_, err := verifier.Verify(context.Background(), "alice", unixTime, SHA256, authenticator)
		if (err == nil) != test.ok {
			t.Errorf("offset %v: err = %v, want ok=%v", test.offset, err, test.ok)
		}
	}
}

func TestVerifyFailuresAreIndistinguishable(t *testing.T) {
	verifier, fake := newTestVerifier(t, false)
	now := fake.Now()
	unixTime, good, _ := Sign(SHA256, "alice", "correct horse", now)
	_, mallory, _ := Sign(SHA256, "mallory", "pw", now)
	_, nobody, _ := Sign(SHA256, "nobody", "pw", now)

	tests := map[string]struct {
		user          string
		algorithm     Algorithm
		authenticator []byte
	}{
		"unknown user":      {"nobody", SHA256, nobody},
		"disabled user":     {"mallory", SHA256, mallory},
		"wrong algorithm":   {"alice", SHA1, good},
		"unsupported":       {"alice", "md5", good},
		"truncated digest":  {"alice", SHA256, good[:10]},
		"empty":             {"alice", SHA256, nil},
		"wrong user digest": {"alice", SHA256, nobody},
	}
	for name, test := range tests {
		_, err := verifier.Verify(context.Background(), test.user, unixTime, test.algorithm, test.authenticator)
		if err != ErrAuthFailed {
			t.Errorf("%s: error = %v, want exactly ErrAuthFailed", name, err)
		}
	}
}

func TestRestrictedAlgorithms(t *testing.T) {
	store := NewMemoryStore()
	store.SetPassword("alice", "pw")
	verifier, err := NewVerifier(VerifierConfig{Store: store, Algorithms: []Algorithm{SHA3_256}, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	challenge := verifier.Challenge(epoch)
	if challenge.ServerTime != epoch.Unix() || len(challenge.Algorithms) != 1 || challenge.Algorithms[0] != SHA3_256 {
		t.Fatalf("challenge = %+v", challenge)
	}
	unixTime, authenticator, _ := Sign(SHA1, "alice", "pw", epoch)
	if _, err := verifier.Verify(context.Background(), "alice", unixTime, SHA1, authenticator); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("sha1 accepted by a sha3-only verifier")
	}
}
