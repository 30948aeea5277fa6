// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

// State is where a session is in the protocol.
type State int32

const (
	Connected State = iota
	Securing
	Authenticated
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Securing:
		return "securing"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrProtocol is wrapped by the error Run returns after a protocol
// violation: a malformed or oversized request, an unknown action, or
// an action not allowed in the current state.
var ErrProtocol = errors.New("session: protocol violation")

// ErrAuthTimeout is returned by Run when the client does not
// authenticate within the configured deadline.
var ErrAuthTimeout = errors.New("session: authentication deadline expired")

// ErrAuthAttempts is returned by Run when the client exhausts its
// authentication attempts.
var ErrAuthAttempts = errors.New("session: too many failed authentication attempts")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
