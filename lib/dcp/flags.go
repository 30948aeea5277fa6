// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import "strings"

// Flags is the quality/validity bitset carried by every message.
type Flags uint32

const (
	// FlagParityError marks a message received with parity errors
	// (failure code '?').
	FlagParityError Flags = 1 << iota

	// FlagQuestionable marks a message whose header carried a failure
	// code other than good or parity.
	FlagQuestionable

	// FlagDeleted is the only flag that may change after a message is
	// archived.
	FlagDeleted

	// FlagBinary marks a payload containing bytes outside printable
	// ASCII.
	FlagBinary

	// FlagDuplicate marks a message a producer reported as a repeat.
	FlagDuplicate

	// FlagNoEOT marks a transmission without an end-of-transmission
	// marker.
	FlagNoEOT
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagParityError, "parity"},
	{FlagQuestionable, "questionable"},
	{FlagDeleted, "deleted"},
	{FlagBinary, "binary"},
	{FlagDuplicate, "duplicate"},
	{FlagNoEOT, "no-eot"},
}

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// With returns f with mask set.
func (f Flags) With(mask Flags) Flags { return f | mask }

// String lists the set flags joined by '|', or "none".
func (f Flags) String() string {
	var names []string
	for _, entry := range flagNames {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
