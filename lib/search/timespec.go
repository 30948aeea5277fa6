// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseTime resolves a time expression against now. Accepted forms:
//
//	now                       the current time
//	now - 1 day               now minus a sum of "<n> <unit>" terms
//	now-2h                    now minus a Go duration
//	now + 30 minutes          offsets may also be positive
//	2026-03-01T12:00:00Z      RFC 3339
//	2026/060 12:00:00         year, day of year and time of day, UTC
//	2026/060 12:00            seconds may be omitted
//	2026/060                  midnight UTC
//
// The empty string returns the zero time (unbounded).
func ParseTime(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}

	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "now") {
		rest := strings.TrimSpace(lower[len("now"):])
		if rest == "" {
			return now, nil
		}
		sign := time.Duration(1)
		switch rest[0] {
		case '-':
			sign = -1
		case '+':
		default:
			return time.Time{}, fmt.Errorf("search: time %q: expected + or - after now", text)
		}
		offset, err := parseOffset(strings.TrimSpace(rest[1:]))
		if err != nil {
			return time.Time{}, fmt.Errorf("search: time %q: %w", text, err)
		}
		return now.Add(sign * offset), nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, ok := parseDayOfYear(text); ok {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("search: unrecognized time %q", text)
}

var offsetUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// parseOffset parses "1 day", "1 day 6 hours", "90 minutes", or a Go
// duration such as "2h30m".
func parseOffset(text string) (time.Duration, error) {
	if text == "" {
		return 0, fmt.Errorf("missing offset")
	}
	if duration, err := time.ParseDuration(text); err == nil {
		return duration, nil
	}

	var total time.Duration
	fields := splitOffsetTerms(text)
	if len(fields)%2 != 0 {
		return 0, fmt.Errorf("offset %q: expected <number> <unit> pairs", text)
	}
	for i := 0; i < len(fields); i += 2 {
		count, err := strconv.Atoi(fields[i])
		if err != nil {
			return 0, fmt.Errorf("offset %q: %q is not a number", text, fields[i])
		}
		unit, ok := offsetUnits[fields[i+1]]
		if !ok {
			return 0, fmt.Errorf("offset %q: unknown unit %q", text, fields[i+1])
		}
		total += time.Duration(count) * unit
	}
	return total, nil
}

// splitOffsetTerms splits on spaces and at digit/letter boundaries so
// "1day" and "1 day" both yield ["1", "day"].
func splitOffsetTerms(text string) []string {
	var fields []string
	var current strings.Builder
	var currentDigit bool
	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsSpace(r) {
			flush()
			continue
		}
		digit := unicode.IsDigit(r)
		if current.Len() > 0 && digit != currentDigit {
			flush()
		}
		currentDigit = digit
		current.WriteRune(r)
	}
	flush()
	return fields
}

var dayOfYearLayouts = []string{
	"2006/002 15:04:05",
	"2006/002 15:04",
	"2006/002",
}

func parseDayOfYear(text string) (time.Time, bool) {
	for _, layout := range dayOfYearLayouts {
		if parsed, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
