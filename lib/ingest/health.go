// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/protocol"
)

// producer holds the running state of one source.
type producer struct {
	// slot is held from event time assignment until the archive
	// accepts or refuses the message, so concurrent submissions from
	// one source are archived in the order their event times were
	// assigned.
	slot chan struct{}

	mu            sync.Mutex
	name          string
	acceptedCount uint64
	rejectedCount uint64
	lastReceipt   time.Time
	lastError     string
	lastErrorAt   time.Time

	// lastEvent is the latest event time handed out, keeping event
	// times non-decreasing per producer.
	lastEvent time.Time
}

func newProducer(name string) *producer {
	return &producer{name: name, slot: make(chan struct{}, 1)}
}

func (p *producer) acquire(ctx context.Context) error {
	select {
	case p.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *producer) release() { <-p.slot }

// eventTime returns candidate, or the latest event time already handed
// out if candidate is earlier. Caller holds the slot.
func (p *producer) eventTime(candidate time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if candidate.Before(p.lastEvent) {
		return p.lastEvent
	}
	p.lastEvent = candidate
	return candidate
}

func (p *producer) accepted(now time.Time) {
	p.mu.Lock()
	p.acceptedCount++
	p.lastReceipt = now
	p.mu.Unlock()
}

func (p *producer) rejected(now time.Time, message string) {
	p.mu.Lock()
	p.rejectedCount++
	p.lastError = message
	p.lastErrorAt = now
	p.mu.Unlock()
}

// Name records a display name for source, as given in an ingestion
// socket hello.
func (p *Port) Name(source dcp.SourceID, name string) {
	state, ok := p.producer(source)
	if !ok || name == "" {
		return
	}
	state.mu.Lock()
	if state.name == "" {
		state.name = name
	}
	state.mu.Unlock()
}

// Known reports whether source may submit.
func (p *Port) Known(source dcp.SourceID) bool {
	if p.sources == nil {
		return true
	}
	_, ok := p.sources[source]
	return ok
}

// Health reports every producer that is configured or has submitted,
// ordered by source.
func (p *Port) Health() []protocol.ProducerHealth {
	p.mu.Lock()
	sources := make([]dcp.SourceID, 0, len(p.producers))
	states := make(map[dcp.SourceID]*producer, len(p.producers))
	for source, state := range p.producers {
		sources = append(sources, source)
		states[source] = state
	}
	p.mu.Unlock()
	slices.Sort(sources)

	health := make([]protocol.ProducerHealth, 0, len(sources))
	for _, source := range sources {
		state := states[source]
		state.mu.Lock()
		health = append(health, protocol.ProducerHealth{
			Source:      source,
			Name:        state.name,
			Accepted:    state.acceptedCount,
			Rejected:    state.rejectedCount,
			LastReceipt: state.lastReceipt,
			LastError:   state.lastError,
			LastErrorAt: state.lastErrorAt,
		})
		state.mu.Unlock()
	}
	return health
}
