// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dcphub/dcphub/lib/clock"
)

// DefaultTolerance is the maximum accepted difference between client
// and server clocks.
const DefaultTolerance = 10 * time.Minute

var (
	// ErrAuthFailed is the only error Verify returns to callers.
	ErrAuthFailed = errors.New("auth: authentication failed")

	// ErrUnknownUser is returned by a CredentialStore for a user it
	// does not hold.
	ErrUnknownUser = errors.New("auth: unknown user")
)

// Credentials is what a CredentialStore holds for one user.
type Credentials struct {
	User string

	// Digests maps each algorithm the user can authenticate with to
	// the stored PasswordDigest.
	Digests map[Algorithm][]byte

	Roles    []string
	Disabled bool
}

// CredentialStore looks up stored credentials by user name.
type CredentialStore interface {
	Lookup(ctx context.Context, user string) (Credentials, error)
}

// Identity is an authenticated user.
type Identity struct {
	User  string
	Roles []string
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Challenge is the server half of the hello exchange.
type Challenge struct {
	ServerTime int64       `cbor:"server_time"`
	Algorithms []Algorithm `cbor:"algorithms"`
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	Store CredentialStore

	// Tolerance is the accepted clock skew. Zero selects
	// DefaultTolerance.
	Tolerance time.Duration

	// Algorithms restricts the accepted algorithms, strongest first.
	// Empty accepts all of Algorithms().
	Algorithms []Algorithm

	// RejectReplays enables the replay cache.
	RejectReplays bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Verifier checks authenticators against a CredentialStore. Safe for
// concurrent use.
type Verifier struct {
	store      CredentialStore
	tolerance  time.Duration
	algorithms []Algorithm
	replays    *replayCache
	clock      clock.Clock
	logger     *slog.Logger
}

// NewVerifier returns a Verifier for config.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("auth: credential store is required")
	}
	verifier := &Verifier{
		store:      config.Store,
		tolerance:  config.Tolerance,
		algorithms: config.Algorithms,
		clock:      config.Clock,
		logger:     config.Logger,
	}
	if verifier.tolerance <= 0 {
		verifier.tolerance = DefaultTolerance
	}
	if len(verifier.algorithms) == 0 {
		verifier.algorithms = Algorithms()
	}
	for _, algorithm := range verifier.algorithms {
		if _, err := algorithm.newHash(); err != nil {
			return nil, err
		}
	}
	if verifier.clock == nil {
		verifier.clock = clock.Real()
	}
	if verifier.logger == nil {
		verifier.logger = slog.New(slog.DiscardHandler)
	}
	if config.RejectReplays {
		// An authenticator can pass the time check for 2*tolerance.
		verifier.replays = newReplayCache(2*verifier.tolerance, verifier.clock)
	}
	return verifier, nil
}

// Tolerance returns the accepted clock skew.
func (v *Verifier) Tolerance() time.Duration { return v.tolerance }

// Challenge returns the hello data for a connecting client.
func (v *Verifier) Challenge(serverTime time.Time) Challenge {
	return Challenge{
		ServerTime: serverTime.Unix(),
		Algorithms: slices.Clone(v.algorithms),
	}
}

// Verify checks an authenticator. On success it returns the user's
// identity. On any failure it returns ErrAuthFailed and logs why.
// Verification is a pure function of its inputs, the stored digest
// and the clock, except that an accepted authenticator is rejected
// the second time when replay rejection is enabled.
func (v *Verifier) Verify(ctx context.Context, user string, clientTime int64, algorithm Algorithm, supplied []byte) (Identity, error) {
	reject := func(reason string, args ...any) (Identity, error) {
		v.logger.Warn("authentication rejected",
			append([]any{"user", user, "algorithm", string(algorithm), "reason", reason}, args...)...)
		return Identity{}, ErrAuthFailed
	}

	if !slices.Contains(v.algorithms, algorithm) {
		return reject("algorithm not accepted")
	}

	now := v.clock.Now()
	skew := now.Sub(time.Unix(clientTime, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return reject("client time outside tolerance", "skew", skew)
	}

	credentials, err := v.store.Lookup(ctx, user)
	if err != nil {
		if !errors.Is(err, ErrUnknownUser) {
			v.logger.Error("credential lookup failed", "user", user, "error", err)
		}
		return reject("unknown user")
	}
	if credentials.Disabled {
		return reject("user disabled")
	}
	digest, ok := credentials.Digests[algorithm]
	if !ok {
		return reject("no digest stored for algorithm")
	}

	expected, err := Authenticator(algorithm, user, digest, clientTime)
	if err != nil {
		return reject(err.Error())
	}
	if subtle.ConstantTimeCompare(expected, supplied) != 1 {
		return reject("authenticator mismatch")
	}

	if v.replays != nil && !v.replays.record(replayKey(user, clientTime, supplied)) {
		return reject("authenticator replayed")
	}

	return Identity{User: credentials.User, Roles: slices.Clone(credentials.Roles)}, nil
}
