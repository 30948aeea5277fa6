// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/dcp"
)

// Reason classifies a rejected submission.
type Reason string

const (
	ReasonEmpty         Reason = "empty payload"
	ReasonMalformed     Reason = "malformed header"
	ReasonUnknownSource Reason = "unknown source"
	ReasonBusy          Reason = "archive busy"
	ReasonDropped       Reason = "write failed"
	ReasonClosed        Reason = "archive closed"
)

// RejectedError is returned by Submit for every refused message.
type RejectedError struct {
	Reason Reason
	Source dcp.SourceID
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest: source %d: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("ingest: source %d: %s", e.Source, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Retryable reports whether the same submission may succeed later.
func (e *RejectedError) Retryable() bool { return e.Reason == ReasonBusy }

// Submission is one raw message from a producer.
type Submission struct {
	// Raw is the full message, DCP header included.
	Raw []byte

	Source dcp.SourceID

	// CaptureTime is when the producer received the message. Zero
	// means now.
	CaptureTime time.Time

	// CarrierStart is the carrier start reported by the downlink, when
	// it has one.
	CarrierStart time.Time

	ProducerSeq uint64
}

// Receipt confirms an accepted message.
type Receipt struct {
	Seq      uint64
	Position dcp.Position
	Address  dcp.Address
}

// Config configures a Port.
type Config struct {
	Store *archive.Store

	// Sources names the producers allowed to submit. Nil accepts any
	// source.
	Sources map[dcp.SourceID]string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Port is the single entry point for producers. Safe for concurrent
// use.
type Port struct {
	store   *archive.Store
	sources map[dcp.SourceID]string
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	producers map[dcp.SourceID]*producer
}

// NewPort returns a Port submitting to config.Store.
func NewPort(config Config) (*Port, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("ingest: archive store is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	port := &Port{
		store:     config.Store,
		sources:   config.Sources,
		clock:     config.Clock,
		logger:    config.Logger,
		producers: make(map[dcp.SourceID]*producer),
	}
	for source, name := range config.Sources {
		port.producers[source] = newProducer(name)
	}
	return port, nil
}

// Submit validates a raw message and archives it. Every failure is a
// *RejectedError. Submissions from one source are archived one at a
// time, so event times stay non-decreasing in archive order even when
// a producer submits concurrently.
func (p *Port) Submit(ctx context.Context, submission Submission) (Receipt, error) {
	state, known := p.producer(submission.Source)
	if !known {
		return Receipt{}, p.reject(nil, submission.Source, ReasonUnknownSource, nil)
	}
	if len(submission.Raw) == 0 {
		return Receipt{}, p.reject(state, submission.Source, ReasonEmpty, nil)
	}
	header, err := dcp.ParseHeader(submission.Raw)
	if err != nil {
		return Receipt{}, p.reject(state, submission.Source, ReasonMalformed, err)
	}

	now := p.clock.Now().UTC()
	capture := submission.CaptureTime
	if capture.IsZero() {
		capture = now
	}
	carrier := submission.CarrierStart
	if carrier.IsZero() {
		carrier = header.TransmitTime
	}

	flags := header.Flags()
	if dcp.IsBinary(submission.Raw[dcp.HeaderLength:]) {
		flags = flags.With(dcp.FlagBinary)
	}

	message := dcp.StoredMessage{
		Address:      header.Address,
		Payload:      submission.Raw,
		CarrierStart: carrier.UTC(),
		ReceiveTime:  capture.UTC(),
		Flags:        flags,
		Source:       submission.Source,
		ProducerSeq:  submission.ProducerSeq,
		Channel:      header.Channel,
		Spacecraft:   header.Spacecraft,
	}

	if err := state.acquire(ctx); err != nil {
		return Receipt{}, p.reject(state, submission.Source, ReasonBusy, err)
	}
	message.EventTime = state.eventTime(message.CarrierStart)
	record, err := p.store.Submit(ctx, message)
	state.release()
	if err != nil {
		reason := ReasonDropped
		switch {
		case errors.Is(err, archive.ErrBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			reason = ReasonBusy
		case errors.Is(err, archive.ErrClosed):
			reason = ReasonClosed
		}
		return Receipt{}, p.reject(state, submission.Source, reason, err)
	}

	state.accepted(now)
	return Receipt{
		Seq:      record.Seq,
		Position: record.Position(p.store.Capacity()),
		Address:  header.Address,
	}, nil
}

func (p *Port) producer(source dcp.SourceID) (*producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.producers[source]
	if ok {
		return state, true
	}
	if p.sources != nil {
		return nil, false
	}
	state = newProducer("")
	p.producers[source] = state
	return state, true
}

func (p *Port) reject(state *producer, source dcp.SourceID, reason Reason, cause error) error {
	rejected := &RejectedError{Reason: reason, Source: source, Err: cause}
	if state != nil {
		state.rejected(p.clock.Now().UTC(), rejected.Error())
	}
	p.logger.Warn("submission rejected",
		"source", source,
		"reason", string(reason),
		"error", cause)
	return rejected
}
