// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"errors"
	"fmt"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/dcp"
)

// Kind classifies the outcome of one Cursor.Advance.
type Kind int

const (
	// Match carries a message satisfying the criteria. The cursor has
	// moved past it.
	Match Kind = iota

	// NoMatchYet means one record was examined and filtered out. The
	// cursor has moved past it; call Advance again.
	NoMatchYet

	// Skipped means the cursor fell behind the archive window. Lost
	// messages were overwritten before they could be read and the
	// cursor now points at the oldest live record.
	Skipped

	// EndOfArchive means the cursor has caught up with the writer.
	// Wait for new data and call Advance again.
	EndOfArchive
)

func (k Kind) String() string {
	switch k {
	case Match:
		return "match"
	case NoMatchYet:
		return "no_match_yet"
	case Skipped:
		return "skipped"
	case EndOfArchive:
		return "end_of_archive"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of one Advance.
type Result struct {
	Kind Kind

	// Message is set for Match.
	Message dcp.StoredMessage

	// Position is the position of the matched message for Match, and
	// the cursor's new position otherwise.
	Position dcp.Position

	// Lost is the number of messages skipped over for Skipped.
	Lost uint64

	// Err explains a Skipped result caused by an unreadable record
	// rather than overwrite.
	Err error
}

// Source is the archive surface a Cursor reads. *archive.Store
// implements it.
type Source interface {
	Capacity() uint32
	OldestSeq() uint64
	ReadAt(seq uint64) archive.ReadResult
	Fetch(record dcp.IndexRecord) (dcp.StoredMessage, error)
	RegisterReader(seq uint64) *archive.ReaderPin
}

// Cursor is one subscriber's read position in the archive. A Cursor
// is not safe for concurrent use; it belongs to a single session.
type Cursor struct {
	store    Source
	criteria Criteria
	seq      uint64
	pin      *archive.ReaderPin
	closed   bool
}

// NewCursor returns a cursor at the oldest live record.
func NewCursor(store Source, criteria Criteria) *Cursor {
	return NewCursorAt(store, criteria, store.OldestSeq())
}

// NewCursorAt returns a cursor that reads seq next. A seq that has
// already been overwritten yields Skipped on the first Advance.
func NewCursorAt(store Source, criteria Criteria, seq uint64) *Cursor {
	return &Cursor{
		store:    store,
		criteria: criteria,
		seq:      seq,
		pin:      store.RegisterReader(seq),
	}
}

// Advance examines at most one archive record.
func (c *Cursor) Advance() Result {
	if c.closed {
		return Result{Kind: EndOfArchive, Position: c.Position()}
	}

	read := c.store.ReadAt(c.seq)
	switch read.Kind {
	case archive.ReadEnd:
		return Result{Kind: EndOfArchive, Position: c.Position()}
	case archive.ReadSkipped:
		c.moveTo(read.Resync)
		return Result{Kind: Skipped, Lost: read.Lost, Position: c.Position()}
	}

	record := read.Record
	if !Matches(record, &c.criteria) {
		c.moveTo(c.seq + 1)
		return Result{Kind: NoMatchYet, Position: c.Position()}
	}

	message, err := c.store.Fetch(record)
	if errors.Is(err, archive.ErrOverwritten) {
		// The segment was reclaimed between ReadAt and Fetch.
		lost := uint64(1)
		resync := c.store.OldestSeq()
		if resync > c.seq {
			lost = resync - c.seq
		} else {
			resync = c.seq + 1
		}
		c.moveTo(resync)
		return Result{Kind: Skipped, Lost: lost, Position: c.Position()}
	}
	if err != nil {
		c.moveTo(c.seq + 1)
		return Result{Kind: Skipped, Lost: 1, Position: c.Position(), Err: err}
	}

	position := dcp.PositionOf(record.Seq, c.store.Capacity())
	c.moveTo(c.seq + 1)
	return Result{Kind: Match, Message: message, Position: position}
}

func (c *Cursor) moveTo(seq uint64) {
	c.seq = seq
	c.pin.Update(seq)
}

// Position returns the position Advance will read next. Passing it to
// Seek on a new cursor resumes exactly where this one stopped.
func (c *Cursor) Position() dcp.Position {
	return dcp.PositionOf(c.seq, c.store.Capacity())
}

// Seq returns the sequence number Advance will read next.
func (c *Cursor) Seq() uint64 { return c.seq }

// Seek moves the cursor to position.
func (c *Cursor) Seek(position dcp.Position) {
	c.moveTo(position.Seq(c.store.Capacity()))
}

// SeekSeq moves the cursor to seq.
func (c *Cursor) SeekSeq(seq uint64) { c.moveTo(seq) }

// Reset moves the cursor back to the oldest live record.
func (c *Cursor) Reset() {
	c.moveTo(c.store.OldestSeq())
}

// Criteria returns the cursor's current criteria.
func (c *Cursor) Criteria() Criteria { return c.criteria }

// SetCriteria replaces the criteria without moving the cursor.
func (c *Cursor) SetCriteria(criteria Criteria) {
	c.criteria = criteria
}

// Close releases the cursor's reader pin. Advance on a closed cursor
// reports EndOfArchive.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.pin.Release()
}
