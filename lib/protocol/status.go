// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"time"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/dcp"
)

// StatusSnapshot is the read-only health view answered to status
// requests on both the distribution and the ingestion socket.
type StatusSnapshot struct {
	Server     string           `cbor:"server" json:"server"`
	ServerTime time.Time        `cbor:"server_time" json:"server_time"`
	Uptime     time.Duration    `cbor:"uptime" json:"uptime"`
	Archive    archive.Stats    `cbor:"archive" json:"archive"`
	Producers  []ProducerHealth `cbor:"producers" json:"producers"`
	Sessions   int              `cbor:"sessions" json:"sessions"`
	Readers    int              `cbor:"readers" json:"readers"`
}

// ProducerHealth is the ingestion view of one producer.
type ProducerHealth struct {
	Source   dcp.SourceID `cbor:"source" json:"source"`
	Name     string       `cbor:"name,omitempty" json:"name,omitempty"`
	Accepted uint64       `cbor:"accepted" json:"accepted"`
	Rejected uint64       `cbor:"rejected" json:"rejected"`

	// LastReceipt is the time of the last accepted message.
	LastReceipt time.Time `cbor:"last_receipt" json:"last_receipt"`
	LastError   string    `cbor:"last_error,omitempty" json:"last_error,omitempty"`
	LastErrorAt time.Time `cbor:"last_error_at" json:"last_error_at"`
}

// SessionInfo describes one attached client connection.
type SessionInfo struct {
	ID           uint64       `cbor:"id" json:"id"`
	User         string       `cbor:"user,omitempty" json:"user,omitempty"`
	Remote       string       `cbor:"remote" json:"remote"`
	State        string       `cbor:"state" json:"state"`
	Secured      bool         `cbor:"secured" json:"secured"`
	Connected    time.Time    `cbor:"connected" json:"connected"`
	LastActivity time.Time    `cbor:"last_activity" json:"last_activity"`
	Delivered    uint64       `cbor:"delivered" json:"delivered"`
	Skipped      uint64       `cbor:"skipped" json:"skipped"`
	Position     dcp.Position `cbor:"position" json:"position"`
}

// SessionsResponse lists attached sessions.
type SessionsResponse struct {
	Sessions []SessionInfo `cbor:"sessions" json:"sessions"`
}
