// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dcphub/dcphub/lib/dcp"
)

// Spec is search criteria as a subscriber sends them. Every field is
// optional; the zero Spec selects everything.
type Spec struct {
	Since string `cbor:"since,omitempty" json:"since,omitempty"`
	Until string `cbor:"until,omitempty" json:"until,omitempty"`

	// Addresses holds 8-hex-digit DCP addresses or glob patterns over
	// that form, such as "CE*" or "ABCD12?4".
	Addresses []string `cbor:"addresses,omitempty" json:"addresses,omitempty"`

	// NetworkLists names address lists known to the server.
	NetworkLists []string `cbor:"network_lists,omitempty" json:"network_lists,omitempty"`

	Parity  string `cbor:"parity,omitempty" json:"parity,omitempty"`
	Deleted string `cbor:"deleted,omitempty" json:"deleted,omitempty"`

	Sources    []uint16 `cbor:"sources,omitempty" json:"sources,omitempty"`
	Spacecraft []string `cbor:"spacecraft,omitempty" json:"spacecraft,omitempty"`
	Channels   []uint16 `cbor:"channels,omitempty" json:"channels,omitempty"`

	SinceLast bool `cbor:"since_last,omitempty" json:"since_last,omitempty"`
}

// Resolve converts the wire form into Criteria, evaluating relative
// times against now and expanding network lists through resolver.
// resolver may be nil when the spec names no lists.
func (s Spec) Resolve(now time.Time, resolver ListResolver) (Criteria, error) {
	var criteria Criteria
	var err error

	if criteria.Since, err = ParseTime(s.Since, now); err != nil {
		return Criteria{}, err
	}
	if criteria.Until, err = ParseTime(s.Until, now); err != nil {
		return Criteria{}, err
	}
	if !criteria.Since.IsZero() && !criteria.Until.IsZero() && criteria.Until.Before(criteria.Since) {
		return Criteria{}, fmt.Errorf("search: until %s is before since %s",
			criteria.Until.Format(time.RFC3339), criteria.Since.Format(time.RFC3339))
	}

	addresses := roaring.New()
	for _, text := range s.Addresses {
		text = strings.ToUpper(strings.TrimSpace(text))
		if strings.ContainsAny(text, "*?[") {
			if _, err := path.Match(text, ""); err != nil {
				return Criteria{}, fmt.Errorf("search: address pattern %q: %w", text, err)
			}
			criteria.AddressPatterns = append(criteria.AddressPatterns, text)
			continue
		}
		address, err := dcp.ParseAddress(text)
		if err != nil {
			return Criteria{}, fmt.Errorf("search: %w", err)
		}
		addresses.Add(uint32(address))
	}

	for _, name := range s.NetworkLists {
		if resolver == nil {
			return Criteria{}, fmt.Errorf("search: network list %q: no lists configured", name)
		}
		list, err := resolver.Resolve(name)
		if err != nil {
			return Criteria{}, fmt.Errorf("search: network list %q: %w", name, err)
		}
		addresses.Or(list)
	}
	if !addresses.IsEmpty() {
		addresses.RunOptimize()
		criteria.Addresses = addresses
	} else if len(s.NetworkLists) > 0 && len(criteria.AddressPatterns) == 0 {
		// Lists that resolve to nothing select nothing.
		criteria.AddressPatterns = []string{noAddressPattern}
	}

	if criteria.Parity, err = ParseFlagMode(s.Parity); err != nil {
		return Criteria{}, err
	}
	if criteria.Deleted, err = ParseFlagMode(s.Deleted); err != nil {
		return Criteria{}, err
	}

	for _, source := range s.Sources {
		criteria.Sources = append(criteria.Sources, dcp.SourceID(source))
	}
	for _, text := range s.Spacecraft {
		if len(text) != 1 {
			return Criteria{}, fmt.Errorf("search: spacecraft %q: want a single letter", text)
		}
		criteria.Spacecraft = append(criteria.Spacecraft, dcp.Spacecraft(strings.ToUpper(text)[0]))
	}
	criteria.Channels = append(criteria.Channels, s.Channels...)
	criteria.SinceLast = s.SinceLast

	return criteria, nil
}

// noAddressPattern never matches an 8-character hex address.
const noAddressPattern = "-"
