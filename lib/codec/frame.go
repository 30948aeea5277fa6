// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"io"
)

// ErrFrameTooLarge is returned by a FrameLimiter once a single frame
// has consumed its whole budget.
var ErrFrameTooLarge = errors.New("codec: frame exceeds size limit")

// FrameLimiter bounds the number of bytes a decoder may pull from the
// underlying reader between two calls to Reset. Unlike io.LimitReader
// it can be re-armed, so one limiter serves a long-lived connection
// that carries many self-delimiting CBOR values.
type FrameLimiter struct {
	reader    io.Reader
	limit     int64
	remaining int64
}

// NewFrameLimiter wraps r with a per-frame budget of limit bytes.
func NewFrameLimiter(r io.Reader, limit int64) *FrameLimiter {
	return &FrameLimiter{reader: r, limit: limit, remaining: limit}
}

// Reset restores the full budget. Call it before each Decode.
func (f *FrameLimiter) Reset() {
	f.remaining = f.limit
}

// SetReader swaps the underlying reader, used after a connection is
// upgraded to TLS in place.
func (f *FrameLimiter) SetReader(r io.Reader) {
	f.reader = r
	f.remaining = f.limit
}

func (f *FrameLimiter) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.reader.Read(p)
	f.remaining -= int64(n)
	return n, err
}
