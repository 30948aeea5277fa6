// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package dcp

import (
	"fmt"
	"strconv"
	"time"
)

// HeaderLength is the size of the GOES DCP message header.
const HeaderLength = 37

// Header is the decoded DCP header that prefixes every raw message:
//
//	AAAAAAAA YYDDDHHMMSS F SS OO M Q CCC S UU LLLLL
//	address  xmit time   | |  |  | | |   | |  data length
//	                     | |  |  | | |   | uplink carrier status
//	                     | |  |  | | |   spacecraft
//	                     | |  |  | | channel
//	                     | |  |  | data quality
//	                     | |  |  modulation index
//	                     | |  frequency offset
//	                     | signal strength
//	                     failure code
type Header struct {
	Address         Address
	TransmitTime    time.Time
	FailureCode     byte
	SignalStrength  int
	FrequencyOffset string
	ModulationIndex byte
	DataQuality     byte
	Channel         uint16
	Spacecraft      Spacecraft
	UplinkCarrier   string
	DataLength      int
}

// Flags derives the quality flags implied by the header.
func (h Header) Flags() Flags {
	switch h.FailureCode {
	case 'G':
		return 0
	case '?':
		return FlagParityError
	default:
		return FlagQuestionable
	}
}

// ParseHeader decodes the header at the start of raw and checks that
// the declared data length matches the bytes that follow it.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderLength {
		return Header{}, fmt.Errorf("dcp: message of %d bytes is shorter than the %d-byte header", len(raw), HeaderLength)
	}
	text := string(raw[:HeaderLength])

	var header Header
	var err error

	header.Address, err = ParseAddress(text[0:8])
	if err != nil {
		return Header{}, err
	}

	header.TransmitTime, err = parseDayOfYear(text[8:19])
	if err != nil {
		return Header{}, err
	}

	header.FailureCode = text[19]

	header.SignalStrength, err = strconv.Atoi(text[20:22])
	if err != nil {
		return Header{}, fmt.Errorf("dcp: signal strength %q: %w", text[20:22], err)
	}

	header.FrequencyOffset = text[22:24]
	header.ModulationIndex = text[24]
	header.DataQuality = text[25]

	channel, err := strconv.ParseUint(trimLeadingSpace(text[26:29]), 10, 16)
	if err != nil {
		return Header{}, fmt.Errorf("dcp: channel %q: %w", text[26:29], err)
	}
	header.Channel = uint16(channel)

	header.Spacecraft = Spacecraft(text[29])
	header.UplinkCarrier = text[30:32]

	header.DataLength, err = strconv.Atoi(text[32:37])
	if err != nil {
		return Header{}, fmt.Errorf("dcp: data length %q: %w", text[32:37], err)
	}
	if remaining := len(raw) - HeaderLength; remaining != header.DataLength {
		return Header{}, fmt.Errorf("dcp: header declares %d data bytes, message carries %d", header.DataLength, remaining)
	}

	return header, nil
}

// parseDayOfYear parses YYDDDHHMMSS as UTC. Two-digit years are taken
// as 20YY.
func parseDayOfYear(text string) (time.Time, error) {
	fields := make([]int, 5)
	widths := []int{2, 3, 2, 2, 2}
	offset := 0
	for i, width := range widths {
		value, err := strconv.Atoi(text[offset : offset+width])
		if err != nil {
			return time.Time{}, fmt.Errorf("dcp: transmit time %q: %w", text, err)
		}
		fields[i] = value
		offset += width
	}
	year, day, hour, minute, second := 2000+fields[0], fields[1], fields[2], fields[3], fields[4]
	if day < 1 || day > 366 || hour > 23 || minute > 59 || second > 60 {
		return time.Time{}, fmt.Errorf("dcp: transmit time %q out of range", text)
	}
	return time.Date(year, time.January, day, hour, minute, second, 0, time.UTC), nil
}

func trimLeadingSpace(text string) string {
	for len(text) > 1 && text[0] == ' ' {
		text = text[1:]
	}
	return text
}

// IsBinary reports whether data holds bytes outside printable ASCII,
// carriage return, line feed and tab.
func IsBinary(data []byte) bool {
	for _, b := range data {
		if b == '\r' || b == '\n' || b == '\t' {
			continue
		}
		if b < 0x20 || b > 0x7e {
			return true
		}
	}
	return false
}

// FormatHeader builds a header for address and transmit time with the
// given failure code, channel, spacecraft and data length. Used by
// producers that synthesize messages and by tests.
func FormatHeader(address Address, transmit time.Time, failureCode byte, channel uint16, spacecraft Spacecraft, dataLength int) []byte {
	transmit = transmit.UTC()
	header := fmt.Sprintf("%s%02d%03d%02d%02d%02d%c%02d%s%c%c%03d%c%s%05d",
		address,
		transmit.Year()%100, transmit.YearDay(), transmit.Hour(), transmit.Minute(), transmit.Second(),
		failureCode,
		44,   // signal strength
		"+0", // frequency offset
		'N',  // modulation index
		'G',  // data quality
		channel,
		byte(spacecraft),
		"  ",
		dataLength,
	)
	return []byte(header)
}
