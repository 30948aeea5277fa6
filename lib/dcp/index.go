// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/zeebo/blake3"
)

// IndexRecordSize is the on-disk size of one index slot.
const IndexRecordSize = 64

const indexChecksumOffset = 48

var (
	// ErrEmptySlot is returned when decoding a slot that was never
	// written.
	ErrEmptySlot = errors.New("dcp: empty index slot")

	// ErrSlotChecksum is returned when a slot's checksum does not match
	// its contents.
	ErrSlotChecksum = errors.New("dcp: index slot checksum mismatch")
)

// IndexRecord is the fixed-size archive summary of a StoredMessage.
// Segment, Offset and Length locate the message body in the archive's
// data area.
type IndexRecord struct {
	Seq        uint64
	Address    Address
	Flags      Flags
	EventTime  time.Time
	Source     SourceID
	Channel    uint16
	Spacecraft Spacecraft
	Segment    uint32
	Length     uint32
	Offset     uint64
}

// Position returns the record's resume position for a ring capacity.
func (r IndexRecord) Position(capacity uint32) Position {
	return PositionOf(r.Seq, capacity)
}

// MarshalBinary encodes the record into its 64-byte slot form,
// including a truncated blake3 checksum of the first 48 bytes.
func (r IndexRecord) MarshalBinary() ([]byte, error) {
	slot := make([]byte, IndexRecordSize)
	r.encode(slot)
	return slot, nil
}

// EncodeTo writes the slot form into dst, which must hold at least
// IndexRecordSize bytes.
func (r IndexRecord) EncodeTo(dst []byte) {
	r.encode(dst[:IndexRecordSize])
}

func (r IndexRecord) encode(slot []byte) {
	binary.BigEndian.PutUint64(slot[0:], r.Seq)
	binary.BigEndian.PutUint32(slot[8:], uint32(r.Address))
	binary.BigEndian.PutUint32(slot[12:], uint32(r.Flags))
	binary.BigEndian.PutUint64(slot[16:], uint64(r.EventTime.UnixNano()))
	binary.BigEndian.PutUint16(slot[24:], uint16(r.Source))
	binary.BigEndian.PutUint16(slot[26:], r.Channel)
	slot[28] = byte(r.Spacecraft)
	slot[29], slot[30], slot[31] = 0, 0, 0
	binary.BigEndian.PutUint32(slot[32:], r.Segment)
	binary.BigEndian.PutUint32(slot[36:], r.Length)
	binary.BigEndian.PutUint64(slot[40:], r.Offset)
	sum := blake3.Sum256(slot[:indexChecksumOffset])
	copy(slot[indexChecksumOffset:IndexRecordSize], sum[:IndexRecordSize-indexChecksumOffset])
}

// UnmarshalBinary decodes a slot, verifying its checksum. An all-zero
// slot yields ErrEmptySlot.
func (r *IndexRecord) UnmarshalBinary(slot []byte) error {
	if len(slot) < IndexRecordSize {
		return errors.New("dcp: short index slot")
	}
	slot = slot[:IndexRecordSize]
	if bytes.Equal(slot, make([]byte, IndexRecordSize)) {
		return ErrEmptySlot
	}
	sum := blake3.Sum256(slot[:indexChecksumOffset])
	if !bytes.Equal(sum[:IndexRecordSize-indexChecksumOffset], slot[indexChecksumOffset:]) {
		return ErrSlotChecksum
	}
	*r = IndexRecord{
		Seq:        binary.BigEndian.Uint64(slot[0:]),
		Address:    Address(binary.BigEndian.Uint32(slot[8:])),
		Flags:      Flags(binary.BigEndian.Uint32(slot[12:])),
		EventTime:  time.Unix(0, int64(binary.BigEndian.Uint64(slot[16:]))).UTC(),
		Source:     SourceID(binary.BigEndian.Uint16(slot[24:])),
		Channel:    binary.BigEndian.Uint16(slot[26:]),
		Spacecraft: Spacecraft(slot[28]),
		Segment:    binary.BigEndian.Uint32(slot[32:]),
		Length:     binary.BigEndian.Uint32(slot[36:]),
		Offset:     binary.BigEndian.Uint64(slot[40:]),
	}
	return nil
}
