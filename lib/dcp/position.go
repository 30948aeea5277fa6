// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position is a resume token: the ring slot last consumed plus the
// number of times the ring had wrapped when that slot was written.
type Position struct {
	Generation uint64 `cbor:"generation"`
	Slot       uint32 `cbor:"slot"`
}

// PositionOf converts an absolute archive sequence number to a
// Position for a ring of the given capacity.
func PositionOf(seq uint64, capacity uint32) Position {
	return Position{
		Generation: seq / uint64(capacity),
		Slot:       uint32(seq % uint64(capacity)),
	}
}

// Validate reports whether the position can name a sequence number
// in a ring of the given capacity: the slot must lie inside the ring
// and Seq must not overflow.
func (p Position) Validate(capacity uint32) error {
	if uint64(p.Slot) >= uint64(capacity) {
		return fmt.Errorf("dcp: position %s: slot %d outside ring of %d", p, p.Slot, capacity)
	}
	if p.Generation > (math.MaxUint64-uint64(p.Slot))/uint64(capacity) {
		return fmt.Errorf("dcp: position %s: generation out of range", p)
	}
	return nil
}

// Seq converts the position back to an absolute sequence number. The
// result wraps for a position that fails Validate.
func (p Position) Seq(capacity uint32) uint64 {
	return p.Generation*uint64(capacity) + uint64(p.Slot)
}

func (p Position) String() string {
	return fmt.Sprintf("%d/%d", p.Generation, p.Slot)
}

// ParsePosition parses the "generation/slot" form written by String.
func ParsePosition(text string) (Position, error) {
	generationText, slotText, ok := strings.Cut(text, "/")
	if !ok {
		return Position{}, fmt.Errorf("dcp: position %q: want generation/slot", text)
	}
	generation, err := strconv.ParseUint(generationText, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("dcp: position %q: %w", text, err)
	}
	slot, err := strconv.ParseUint(slotText, 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("dcp: position %q: %w", text, err)
	}
	return Position{Generation: generation, Slot: uint32(slot)}, nil
}
