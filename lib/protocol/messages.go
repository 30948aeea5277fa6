// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"

	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/search"
)

// Security is the transport security mode of a listener.
type Security string

const (
	// SecurityPlain never uses TLS.
	SecurityPlain Security = "plain"

	// SecurityStartTLS accepts plaintext connections that may upgrade
	// in place with a starttls request before authenticating.
	SecurityStartTLS Security = "starttls"

	// SecurityTLS wraps the connection in TLS before the first
	// protocol byte.
	SecurityTLS Security = "tls"
)

// ParseSecurity parses a security mode name. The empty string selects
// SecurityPlain.
func ParseSecurity(name string) (Security, error) {
	switch Security(name) {
	case "", SecurityPlain:
		return SecurityPlain, nil
	case SecurityStartTLS, SecurityTLS:
		return Security(name), nil
	}
	return "", fmt.Errorf("protocol: unknown security mode %q (want plain, starttls or tls)", name)
}

// HelloRequest opens a session.
type HelloRequest struct {
	Action string `cbor:"action"`
	Client string `cbor:"client,omitempty"`
}

// HelloResponse advertises what the server offers.
type HelloResponse struct {
	Server string `cbor:"server"`

	// Challenge carries the server clock and accepted algorithms,
	// strongest first.
	Challenge auth.Challenge `cbor:"challenge"`

	Security Security `cbor:"security"`

	// Secured is true once the connection runs over TLS.
	Secured bool `cbor:"secured"`

	// UpgradeRequired is set when a starttls listener refuses to
	// authenticate plaintext connections.
	UpgradeRequired bool `cbor:"upgrade_required,omitempty"`

	MaxBatch int `cbor:"max_batch"`
}

// AuthRequest carries the authenticator for user at client time Time
// (Unix seconds).
type AuthRequest struct {
	Action        string         `cbor:"action"`
	User          string         `cbor:"user"`
	Time          int64          `cbor:"time"`
	Algorithm     auth.Algorithm `cbor:"algorithm"`
	Authenticator []byte         `cbor:"authenticator"`
}

// AuthResponse confirms the authenticated identity.
type AuthResponse struct {
	User  string   `cbor:"user"`
	Roles []string `cbor:"roles,omitempty"`
}

// CriteriaRequest installs or replaces the session's search criteria.
type CriteriaRequest struct {
	Action   string      `cbor:"action"`
	Criteria search.Spec `cbor:"criteria"`

	// Resume, when set, positions the cursor at a previously returned
	// position instead of the oldest live message (first criteria) or
	// the current position (replacement criteria).
	Resume *dcp.Position `cbor:"resume,omitempty"`
}

// CriteriaResponse reports where the cursor stands.
type CriteriaResponse struct {
	Position dcp.Position `cbor:"position"`
}

// NextRequest asks for up to Max matching messages. When the cursor
// is at the end of the archive the server waits up to WaitMillis for
// new data (capped by the server) before answering with NoData.
type NextRequest struct {
	Action     string `cbor:"action"`
	Max        int    `cbor:"max,omitempty"`
	WaitMillis int64  `cbor:"wait_ms,omitempty"`
}

// Wait returns the requested wait as a duration.
func (r NextRequest) Wait() time.Duration {
	if r.WaitMillis <= 0 {
		return 0
	}
	return time.Duration(r.WaitMillis) * time.Millisecond
}

// Event is one item of a next response: a message, or a skip notice
// when Message is nil.
type Event struct {
	Message *dcp.StoredMessage `cbor:"message,omitempty"`

	// Position is the message's position, or the cursor's position
	// after a skip.
	Position dcp.Position `cbor:"position"`

	// Lost counts messages overwritten before the session could read
	// them.
	Lost uint64 `cbor:"lost,omitempty"`
}

// IsSkip reports whether the event is a skip notice.
func (e Event) IsSkip() bool { return e.Message == nil }

// NextResponse carries events in archive order.
type NextResponse struct {
	Events []Event `cbor:"events,omitempty"`

	// NoData is set when the cursor reached the end of the archive
	// and nothing arrived within the wait.
	NoData bool `cbor:"no_data,omitempty"`

	// Position is where the next request continues.
	Position dcp.Position `cbor:"position"`
}

// ResetResponse reports the cursor position after a reset.
type ResetResponse struct {
	Position dcp.Position `cbor:"position"`
}
