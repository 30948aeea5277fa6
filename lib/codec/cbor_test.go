// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type sampleRequest struct {
	Action string    `cbor:"action"`
	Max    int       `cbor:"max,omitempty"`
	At     time.Time `cbor:"at"`
}

func TestMarshalDeterministic(t *testing.T) {
	request := sampleRequest{Action: "next", Max: 10, At: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)}

	first, err := Marshal(request)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(request)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("encoding not deterministic: %x != %x", first, second)
	}

	var decoded sampleRequest
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Action != "next" || decoded.Max != 10 || !decoded.At.Equal(request.At) {
		t.Errorf("decoded %+v", decoded)
	}
}

func TestStreamCarriesSeveralFrames(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, action := range []string{"hello", "auth", "next"} {
		if err := encoder.Encode(sampleRequest{Action: action}); err != nil {
			t.Fatalf("Encode(%s): %v", action, err)
		}
	}

	limiter := NewFrameLimiter(&buffer, 1024)
	decoder := NewDecoder(limiter)
	for _, want := range []string{"hello", "auth", "next"} {
		limiter.Reset()
		var got sampleRequest
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Action != want {
			t.Errorf("action = %q, want %q", got.Action, want)
		}
	}
}

func TestFrameLimiterRejectsOversizedFrame(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "auth", "blob": bytes.Repeat([]byte{'x'}, 4096)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	limiter := NewFrameLimiter(bytes.NewReader(data), 512)
	var raw RawMessage
	err = NewDecoder(limiter).Decode(&raw)
	if err == nil {
		t.Fatal("Decode succeeded on a frame larger than the limit")
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		// The CBOR decoder may surface the short read as an
		// unexpected EOF; either way the frame must not decode.
		t.Logf("decode error: %v", err)
	}
}
