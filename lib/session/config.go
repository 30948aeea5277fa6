// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
)

// Default limits.
const (
	DefaultMaxAuthAttempts = 3
	DefaultAuthTimeout     = 30 * time.Second
	DefaultMaxWait         = 30 * time.Second
	DefaultScanBudget      = 10000
	DefaultWriteTimeout    = 10 * time.Second
)

// MarkStore persists where each user's last session stopped reading,
// for criteria with SinceLast set.
type MarkStore interface {
	LoadMark(ctx context.Context, user string) (uint64, bool, error)
	SaveMark(ctx context.Context, user string, seq uint64) error
}

// Config is shared by all sessions of one listener.
type Config struct {
	Store    *archive.Store
	Verifier *auth.Verifier

	// Marks is optional. Without it SinceLast starts at the oldest
	// live message.
	Marks MarkStore

	// Lists resolves network list names. Optional.
	Lists search.ListResolver

	// Status and Sessions answer the out-of-band queries. Either may
	// be nil, in which case the query fails without closing the
	// session.
	Status   func() protocol.StatusSnapshot
	Sessions func() []protocol.SessionInfo

	Security  protocol.Security
	TLSConfig *tls.Config

	// RequireUpgrade refuses auth on a starttls listener until the
	// connection has been upgraded.
	RequireUpgrade bool

	MaxAuthAttempts int

	// AuthTimeout bounds everything before successful authentication,
	// the TLS handshake included.
	AuthTimeout time.Duration

	// MaxWait caps how long a next request may wait for new data.
	MaxWait time.Duration

	// MaxBatch caps the messages returned by one next request.
	MaxBatch int

	// ScanBudget caps the records one next request examines, so a
	// selective filter over a large archive still answers promptly.
	ScanBudget int

	WriteTimeout time.Duration

	// ServerName is reported in hello responses.
	ServerName string

	Clock  clock.Clock
	Logger *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Security == "" {
		c.Security = protocol.SecurityPlain
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxBatch <= 0 || c.MaxBatch > protocol.MaxBatch {
		c.MaxBatch = protocol.MaxBatch
	}
	if c.ScanBudget <= 0 {
		c.ScanBudget = DefaultScanBudget
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ServerName == "" {
		c.ServerName = "dcphub"
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Validate checks that the required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("session: archive store is required")
	}
	if c.Verifier == nil {
		return fmt.Errorf("session: verifier is required")
	}
	if _, err := protocol.ParseSecurity(string(c.Security)); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Security != protocol.SecurityPlain && c.TLSConfig == nil {
		return fmt.Errorf("session: security %q requires a TLS configuration", c.Security)
	}
	return nil
}
