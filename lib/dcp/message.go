// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import "time"

// SourceID identifies the producer (downlink) that delivered a message.
type SourceID uint16

// Spacecraft is the satellite identifier byte from the DCP header:
// 'E' (east), 'W' (west), 'C' (central), or 0 when unknown.
type Spacecraft byte

// String renders the spacecraft letter, or "-" when unknown.
func (s Spacecraft) String() string {
	if s == 0 {
		return "-"
	}
	return string(rune(s))
}

// StoredMessage is one telemetry transmission as held by the archive.
type StoredMessage struct {
	// Seq is the archive sequence number, assigned on acceptance.
	Seq uint64 `cbor:"seq"`

	Address Address `cbor:"address"`

	// Payload is the raw message, DCP header included. The hub treats
	// it as opaque bytes.
	Payload []byte `cbor:"payload"`

	// CarrierStart is the transmit time reported by the downlink.
	CarrierStart time.Time `cbor:"carrier_start"`

	// ReceiveTime is the ground-receive (capture) time.
	ReceiveTime time.Time `cbor:"receive_time"`

	// EventTime is the normalized time used for time-window filtering.
	// Non-decreasing within one producer's stream.
	EventTime time.Time `cbor:"event_time"`

	Flags Flags `cbor:"flags"`

	Source SourceID `cbor:"source"`

	// ProducerSeq is the producer's own sequence number, 0 when the
	// producer does not assign one.
	ProducerSeq uint64 `cbor:"producer_seq,omitempty"`

	Channel    uint16     `cbor:"channel,omitempty"`
	Spacecraft Spacecraft `cbor:"spacecraft,omitempty"`
}
