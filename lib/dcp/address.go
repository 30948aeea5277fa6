// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import (
	"fmt"
	"strconv"
)

// AddressLength is the width of a DCP address in characters.
const AddressLength = 8

// Address is a DCP address: eight hexadecimal digits, held as a uint32
// so address sets can be stored in compressed bitmaps.
type Address uint32

// ParseAddress parses an eight-digit hexadecimal address. Case is
// ignored.
func ParseAddress(text string) (Address, error) {
	if len(text) != AddressLength {
		return 0, fmt.Errorf("dcp: address %q: want %d hex digits", text, AddressLength)
	}
	value, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("dcp: address %q: not hexadecimal", text)
	}
	return Address(value), nil
}

// MustParseAddress is ParseAddress for constants in tests and tables.
func MustParseAddress(text string) Address {
	address, err := ParseAddress(text)
	if err != nil {
		panic(err)
	}
	return address
}

// String returns the upper-case, zero-padded form.
func (a Address) String() string {
	return fmt.Sprintf("%08X", uint32(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
