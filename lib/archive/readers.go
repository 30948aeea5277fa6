// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import "sync/atomic"

// ReaderPin publishes the oldest sequence number a reader may still
// Fetch. Segment reclamation holds back segments at or after the
// oldest pin until the store exceeds Config.MaxSegments.
type ReaderPin struct {
	store    *Store
	seq      atomic.Uint64
	released atomic.Bool
}

// RegisterReader pins seq for a new reader. The caller must Release
// the pin when done.
func (s *Store) RegisterReader(seq uint64) *ReaderPin {
	pin := &ReaderPin{store: s}
	pin.seq.Store(seq)
	s.readersMu.Lock()
	s.readers[pin] = struct{}{}
	s.readersMu.Unlock()
	return pin
}

// Update moves the pin to seq.
func (p *ReaderPin) Update(seq uint64) { p.seq.Store(seq) }

// Seq returns the pinned sequence number.
func (p *ReaderPin) Seq() uint64 { return p.seq.Load() }

// Release unregisters the pin. Safe to call more than once.
func (p *ReaderPin) Release() {
	if p.released.Swap(true) {
		return
	}
	p.store.readersMu.Lock()
	delete(p.store.readers, p)
	p.store.readersMu.Unlock()
}

// oldestPin returns the lowest pinned seq and whether any reader is
// registered.
func (s *Store) oldestPin() (uint64, bool) {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	var (
		oldest uint64
		found  bool
	)
	for pin := range s.readers {
		seq := pin.Seq()
		if !found || seq < oldest {
			oldest, found = seq, true
		}
	}
	return oldest, found
}

// Readers returns the number of registered reader pins.
func (s *Store) Readers() int {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	return len(s.readers)
}
