// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/dcphub/dcphub/lib/codec"
)

// Actions of the distribution protocol.
const (
	ActionHello    = "hello"
	ActionStartTLS = "starttls"
	ActionAuth     = "auth"
	ActionCriteria = "criteria"
	ActionNext     = "next"
	ActionReset    = "reset"
	ActionStatus   = "status"
	ActionSessions = "sessions"
	ActionGoodbye  = "goodbye"
)

// Actions of the local ingestion socket.
const (
	ActionIngest = "ingest"
)

// MaxFrameSize bounds a single request or response. A next response
// carries at most MaxBatch messages, each under the archive's record
// limit in practice (GOES messages are a few kilobytes).
const MaxFrameSize = 4 << 20

// MaxBatch is the largest number of messages one next request may ask
// for.
const MaxBatch = 256

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`

	// Closing is set on the final response before the server closes
	// the connection: protocol violations, exhausted authentication
	// attempts, goodbye.
	Closing bool `cbor:"closing,omitempty"`
}

// Header extracts the action from a raw request.
type Header struct {
	Action string `cbor:"action"`
}

// Decode unmarshals the response data into v. A response without data
// leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	if err := codec.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("protocol: decoding response data: %w", err)
	}
	return nil
}

// Success builds an ok response carrying result. A nil result gives
// {ok: true}.
func Success(result any) (Response, error) {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return Response{}, fmt.Errorf("protocol: marshaling response: %w", err)
		}
		response.Data = data
	}
	return response, nil
}

// Failure builds an error response.
func Failure(message string, closing bool) Response {
	return Response{Error: message, Closing: closing}
}

// Error is a failed response as seen by a client.
type Error struct {
	Action  string
	Message string

	// Closed is set when the server closed the connection after the
	// response.
	Closed bool
}

func (e *Error) Error() string {
	if e.Closed {
		return fmt.Sprintf("protocol: %s: %s (connection closed)", e.Action, e.Message)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Action, e.Message)
}
