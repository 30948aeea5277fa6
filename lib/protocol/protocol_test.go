// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/dcp"
)

func TestParseSecurity(t *testing.T) {
	for name, want := range map[string]Security{
		"":         SecurityPlain,
		"plain":    SecurityPlain,
		"starttls": SecurityStartTLS,
		"tls":      SecurityTLS,
	} {
		got, err := ParseSecurity(name)
		if err != nil || got != want {
			t.Errorf("ParseSecurity(%q) = %q, %v; want %q", name, got, err, want)
		}
	}
	if _, err := ParseSecurity("ssl"); err == nil {
		t.Error("ParseSecurity accepted ssl")
	}
}

func TestResponseCarriesResult(t *testing.T) {
	response, err := Success(CriteriaResponse{Position: dcp.Position{Generation: 2, Slot: 9}})
	if err != nil {
		t.Fatalf("Success: %v", err)
	}
	data, err := codec.Marshal(response)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var received Response
	if err := codec.Unmarshal(data, &received); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	var result CriteriaResponse
	if err := received.Decode(&result); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !received.OK || result.Position != (dcp.Position{Generation: 2, Slot: 9}) {
		t.Errorf("received %+v with position %v", received, result.Position)
	}

	empty, err := Success(nil)
	if err != nil || !empty.OK || len(empty.Data) != 0 {
		t.Errorf("Success(nil) = %+v, %v", empty, err)
	}
	if err := empty.Decode(&result); err != nil {
		t.Errorf("Decode of an empty response: %v", err)
	}
}

func TestFailureAndError(t *testing.T) {
	failure := Failure("next before criteria", true)
	if failure.OK || !failure.Closing {
		t.Errorf("Failure = %+v", failure)
	}
	err := &Error{Action: ActionNext, Message: failure.Error, Closed: failure.Closing}
	if !strings.Contains(err.Error(), "next before criteria") || !strings.Contains(err.Error(), "connection closed") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNextWaitAndSkipEvents(t *testing.T) {
	if wait := (NextRequest{WaitMillis: 1500}).Wait(); wait != 1500*time.Millisecond {
		t.Errorf("Wait() = %v", wait)
	}
	if !(Event{Lost: 4}).IsSkip() {
		t.Error("event without a message is not a skip")
	}
	if (Event{Message: &dcp.StoredMessage{}}).IsSkip() {
		t.Error("event with a message is a skip")
	}
}
