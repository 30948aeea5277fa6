// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"time"

	"github.com/dcphub/dcphub/lib/dcp"
)

// IngestHello opens a producer stream on the ingestion socket.
//
// After the hello the exchange is:
//
//	Hub      -> Producer: IngestAck{OK: true}   (ready)
//	Producer -> Hub:      IngestFrame
//	Hub      -> Producer: IngestAck             (per frame)
//	...
//
// The stream ends when the producer closes its side.
type IngestHello struct {
	Action string       `cbor:"action"`
	Source dcp.SourceID `cbor:"source"`
	Name   string       `cbor:"name,omitempty"`
}

// IngestFrame is one raw message from a producer.
type IngestFrame struct {
	Raw          []byte    `cbor:"raw"`
	CaptureTime  time.Time `cbor:"capture_time"`
	CarrierStart time.Time `cbor:"carrier_start,omitempty"`
	ProducerSeq  uint64    `cbor:"producer_seq,omitempty"`
}

// IngestAck answers one IngestFrame (or the hello).
type IngestAck struct {
	OK  bool   `cbor:"ok"`
	Seq uint64 `cbor:"seq,omitempty"`

	Error string `cbor:"error,omitempty"`

	// Retryable is set when the same frame may succeed if sent again
	// (archive busy).
	Retryable bool `cbor:"retryable,omitempty"`
}
