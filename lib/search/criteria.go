// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dcphub/dcphub/lib/dcp"
)

// FlagMode selects how a flag participates in matching.
type FlagMode int

const (
	// Any ignores the flag.
	Any FlagMode = iota

	// Exclude rejects records carrying the flag.
	Exclude

	// Only accepts only records carrying the flag.
	Only
)

func (m FlagMode) String() string {
	switch m {
	case Any:
		return "any"
	case Exclude:
		return "exclude"
	case Only:
		return "only"
	default:
		return fmt.Sprintf("FlagMode(%d)", int(m))
	}
}

// ParseFlagMode parses "any", "exclude" or "only". The empty string
// selects Any.
func ParseFlagMode(text string) (FlagMode, error) {
	switch text {
	case "", "any":
		return Any, nil
	case "exclude":
		return Exclude, nil
	case "only":
		return Only, nil
	default:
		return Any, fmt.Errorf("search: unknown flag mode %q", text)
	}
}

func (m FlagMode) accepts(set bool) bool {
	switch m {
	case Exclude:
		return !set
	case Only:
		return set
	default:
		return true
	}
}

// Criteria is a resolved search. Zero-valued fields do not constrain
// the search; the zero Criteria matches everything. Criteria values
// are not modified after Resolve and are safe to share.
type Criteria struct {
	// Since and Until bound EventTime, both inclusive. Zero means
	// unbounded.
	Since time.Time
	Until time.Time

	// Addresses and AddressPatterns together form the address
	// predicate: a record matches if its address is in the bitmap or
	// its 8-character hex form matches any pattern. Empty on both
	// means any address.
	Addresses       *roaring.Bitmap
	AddressPatterns []string

	Parity  FlagMode
	Deleted FlagMode

	Sources    []dcp.SourceID
	Spacecraft []dcp.Spacecraft
	Channels   []uint16

	// SinceLast starts a new cursor at the user's retrieval mark
	// rather than at the oldest retained record.
	SinceLast bool
}

func (c *Criteria) hasAddressPredicate() bool {
	return (c.Addresses != nil && !c.Addresses.IsEmpty()) || len(c.AddressPatterns) > 0
}

// Matches reports whether record satisfies criteria. It is pure and
// checks the cheap address predicate first, then the time window, then
// the flags, then source, spacecraft and channel.
func Matches(record dcp.IndexRecord, criteria *Criteria) bool {
	if criteria.hasAddressPredicate() && !matchesAddress(record.Address, criteria) {
		return false
	}

	if !criteria.Since.IsZero() && record.EventTime.Before(criteria.Since) {
		return false
	}
	if !criteria.Until.IsZero() && record.EventTime.After(criteria.Until) {
		return false
	}

	if !criteria.Parity.accepts(record.Flags.Has(dcp.FlagParityError)) {
		return false
	}
	if !criteria.Deleted.accepts(record.Flags.Has(dcp.FlagDeleted)) {
		return false
	}

	if len(criteria.Sources) > 0 && !slices.Contains(criteria.Sources, record.Source) {
		return false
	}
	if len(criteria.Spacecraft) > 0 && !slices.Contains(criteria.Spacecraft, record.Spacecraft) {
		return false
	}
	if len(criteria.Channels) > 0 && !slices.Contains(criteria.Channels, record.Channel) {
		return false
	}
	return true
}

func matchesAddress(address dcp.Address, criteria *Criteria) bool {
	if criteria.Addresses != nil && criteria.Addresses.Contains(uint32(address)) {
		return true
	}
	if len(criteria.AddressPatterns) == 0 {
		return false
	}
	text := address.String()
	for _, pattern := range criteria.AddressPatterns {
		// Patterns are validated by Resolve.
		if matched, _ := path.Match(pattern, text); matched {
			return true
		}
	}
	return false
}
