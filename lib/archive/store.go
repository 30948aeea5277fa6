// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/dcp"
)

const indexFileName = "index.ring"

// Store is an open archive. Submit, MarkDeleted and Checkpoint are
// serialized through the writer slot; ReadAt and Fetch run
// concurrently with them and with each other.
type Store struct {
	config   Config
	dir      string
	capacity uint32
	clock    clock.Clock
	logger   *slog.Logger

	lockFile *os.File
	index    storageFile
	cache    *lru.Cache[uint64, dcp.StoredMessage]

	// writer is a one-slot semaphore held for the duration of every
	// disk mutation.
	writer chan struct{}

	mu       sync.RWMutex
	slots    []dcp.IndexRecord
	writeSeq uint64
	// floor is the lowest sequence number recovery could vouch for.
	// Zero on archives that never lost a record to a torn write.
	floor    uint64
	segments []*segment
	notify   chan struct{}
	closed   bool

	readersMu sync.Mutex
	readers   map[*ReaderPin]struct{}

	submitted          atomic.Uint64
	dropped            atomic.Uint64
	deleted            atomic.Uint64
	tailTruncations    atomic.Uint64
	forcedReclaims     atomic.Uint64
	checkpointFailures atomic.Uint64
	lastCheckpoint     atomic.Int64
}

// Open opens or creates the archive in config.Dir, recovering state
// from the last checkpoint and the data written after it.
func Open(config Config) (*Store, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", config.Dir, err)
	}

	lockFile, err := lockDirectory(config.Dir)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[uint64, dcp.StoredMessage](config.CacheEntries)
	if err != nil {
		unlockDirectory(lockFile)
		return nil, fmt.Errorf("archive: creating cache: %w", err)
	}

	store := &Store{
		config:   config,
		dir:      config.Dir,
		capacity: config.Capacity,
		clock:    config.Clock,
		logger:   config.Logger,
		lockFile: lockFile,
		cache:    cache,
		writer:   make(chan struct{}, 1),
		slots:    make([]dcp.IndexRecord, config.Capacity),
		notify:   make(chan struct{}),
		readers:  make(map[*ReaderPin]struct{}),
	}

	if err := store.recoverState(); err != nil {
		store.closeFiles()
		unlockDirectory(lockFile)
		return nil, err
	}

	store.logger.Info("archive opened",
		"dir", config.Dir,
		"capacity", config.Capacity,
		"write_seq", store.writeSeq,
		"segments", len(store.segments),
		"compression", config.Compression.String(),
	)
	return store, nil
}

// Capacity returns N, the number of index slots.
func (s *Store) Capacity() uint32 { return s.capacity }

// WriteSeq returns the sequence number the next accepted message will
// receive.
func (s *Store) WriteSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeSeq
}

// OldestSeq returns the lowest live sequence number. Equal to
// WriteSeq when the archive is empty.
func (s *Store) OldestSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lowWaterLocked()
}

// lowWaterLocked returns the lowest live sequence number: a seq is
// live iff lowWater <= seq < writeSeq.
func (s *Store) lowWaterLocked() uint64 {
	low := s.floor
	if s.writeSeq > uint64(s.capacity) && s.writeSeq-uint64(s.capacity) > low {
		low = s.writeSeq - uint64(s.capacity)
	}
	if low > s.writeSeq {
		low = s.writeSeq
	}
	return low
}

// Notify returns a channel that is closed when the next message is
// accepted. Callers re-fetch the channel after every wake.
func (s *Store) Notify() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	default:
	}
	timeout := s.clock.After(s.config.SubmitTimeout)
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timeout:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.writer }

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Submit appends message to the archive and returns its index record.
// The message's Seq is assigned here; any value the caller set is
// ignored. Safe for concurrent callers.
//
// Returns ErrBusy if the writer slot stays held past SubmitTimeout,
// and ErrDropped if the write keeps failing after WriteRetries.
func (s *Store) Submit(ctx context.Context, message dcp.StoredMessage) (dcp.IndexRecord, error) {
	if err := s.acquire(ctx); err != nil {
		return dcp.IndexRecord{}, err
	}
	defer s.release()

	s.mu.RLock()
	closed, seq := s.closed, s.writeSeq
	s.mu.RUnlock()
	if closed {
		return dcp.IndexRecord{}, ErrClosed
	}

	message.Seq = seq
	encoded, err := encodeRecord(message, s.config.Compression)
	if err != nil {
		s.dropped.Add(1)
		return dcp.IndexRecord{}, fmt.Errorf("%w: %v", ErrDropped, err)
	}

	var record dcp.IndexRecord
	for attempt := 0; ; attempt++ {
		record, err = s.write(message, encoded)
		if err == nil {
			break
		}
		if attempt >= s.config.WriteRetries {
			s.dropped.Add(1)
			s.logger.Error("archive write failed, message dropped",
				"seq", seq,
				"address", message.Address,
				"attempts", attempt+1,
				"error", err,
			)
			return dcp.IndexRecord{}, fmt.Errorf("%w: seq %d: %v", ErrDropped, seq, err)
		}
		s.logger.Warn("archive write failed, retrying",
			"seq", seq,
			"attempt", attempt+1,
			"error", err,
		)
		s.clock.Sleep(s.config.RetryBackoff << attempt)
	}

	s.submitted.Add(1)
	return record, nil
}

// write appends one encoded record and its index slot, then publishes
// both. On failure the partial append is truncated away so a retry
// starts from the same offset. Caller holds the writer slot.
func (s *Store) write(message dcp.StoredMessage, encoded []byte) (dcp.IndexRecord, error) {
	active, err := s.prepareSegment(message.Seq)
	if err != nil {
		return dcp.IndexRecord{}, err
	}

	offset := active.size
	if _, err := active.file.WriteAt(encoded, offset); err != nil {
		if truncateErr := active.file.Truncate(offset); truncateErr != nil {
			err = errors.Join(err, truncateErr)
		}
		return dcp.IndexRecord{}, fmt.Errorf("archive: appending to %s: %w", segmentName(active.id), err)
	}

	record := dcp.IndexRecord{
		Seq:        message.Seq,
		Address:    message.Address,
		Flags:      message.Flags,
		EventTime:  message.EventTime,
		Source:     message.Source,
		Channel:    message.Channel,
		Spacecraft: message.Spacecraft,
		Segment:    active.id,
		Length:     uint32(len(encoded)),
		Offset:     uint64(offset),
	}
	slot := uint32(message.Seq % uint64(s.capacity))
	if err := s.writeSlot(slot, record); err != nil {
		// The slot on disk may now be torn while its previous occupant
		// is still live. Put the old bytes back.
		s.mu.RLock()
		previous := s.slots[slot]
		s.mu.RUnlock()
		if restoreErr := s.restoreSlot(slot, previous); restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
		if truncateErr := active.file.Truncate(offset); truncateErr != nil {
			err = errors.Join(err, truncateErr)
		}
		return dcp.IndexRecord{}, err
	}

	s.mu.Lock()
	s.slots[slot] = record
	s.writeSeq = message.Seq + 1
	if active.count == 0 {
		active.firstSeq = message.Seq
	}
	active.count++
	active.size = offset + int64(len(encoded))
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	return record, nil
}

func (s *Store) writeSlot(slot uint32, record dcp.IndexRecord) error {
	var buffer [dcp.IndexRecordSize]byte
	record.EncodeTo(buffer[:])
	if _, err := s.index.WriteAt(buffer[:], int64(slot)*dcp.IndexRecordSize); err != nil {
		return fmt.Errorf("archive: writing index slot %d: %w", slot, err)
	}
	return nil
}

// restoreSlot rewrites a slot with its in-memory contents. A slot that
// was never written is restored to zeros.
func (s *Store) restoreSlot(slot uint32, previous dcp.IndexRecord) error {
	if previous == (dcp.IndexRecord{}) {
		var zero [dcp.IndexRecordSize]byte
		if _, err := s.index.WriteAt(zero[:], int64(slot)*dcp.IndexRecordSize); err != nil {
			return fmt.Errorf("archive: clearing index slot %d: %w", slot, err)
		}
		return nil
	}
	return s.writeSlot(slot, previous)
}

// prepareSegment returns the segment the record for seq goes into,
// rotating to a new segment when the active one is full. Caller holds
// the writer slot.
func (s *Store) prepareSegment(seq uint64) (*segment, error) {
	s.mu.RLock()
	var active *segment
	if len(s.segments) > 0 {
		active = s.segments[len(s.segments)-1]
	}
	s.mu.RUnlock()

	if active != nil && active.count < s.config.SegmentRecords {
		return active, nil
	}

	var id uint32
	if active != nil {
		if err := active.file.Sync(); err != nil {
			return nil, fmt.Errorf("archive: syncing %s: %w", segmentName(active.id), err)
		}
		id = active.id + 1
	}
	file, err := s.config.openFile(filepath.Join(s.dir, segmentName(id)), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", segmentName(id), err)
	}
	next := &segment{id: id, firstSeq: seq, file: file}

	s.mu.Lock()
	s.segments = append(s.segments, next)
	s.mu.Unlock()

	s.logger.Debug("archive segment opened", "segment", id, "first_seq", seq)
	s.reclaim()
	return next, nil
}

// reclaim removes data segments, oldest first, whose records have all
// left the live window. A segment holding a record at or after some
// reader's pin is kept unless the store retains more than MaxSegments.
func (s *Store) reclaim() {
	minPin, pinned := s.oldestPin()

	var removed []*segment
	var forced []*segment
	s.mu.Lock()
	low := s.lowWaterLocked()
	for len(s.segments) > 1 {
		oldest := s.segments[0]
		if oldest.count > 0 && oldest.lastSeq() >= low {
			break
		}
		inUse := pinned && oldest.count > 0 && oldest.lastSeq() >= minPin
		if inUse && len(s.segments) <= s.config.MaxSegments {
			break
		}
		s.segments = s.segments[1:]
		removed = append(removed, oldest)
		if inUse {
			forced = append(forced, oldest)
		}
	}
	s.mu.Unlock()

	for _, seg := range forced {
		s.forcedReclaims.Add(1)
		s.logger.Warn("archive reclaimed a segment still in use by a reader",
			"segment", seg.id,
			"last_seq", seg.lastSeq(),
			"oldest_reader_seq", minPin,
		)
	}
	for _, seg := range removed {
		if err := seg.file.Close(); err != nil {
			s.logger.Warn("closing reclaimed segment", "segment", seg.id, "error", err)
		}
		if err := os.Remove(filepath.Join(s.dir, segmentName(seg.id))); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing reclaimed segment", "segment", seg.id, "error", err)
		}
		for i := 0; i < seg.count; i++ {
			s.cache.Remove(seg.firstSeq + uint64(i))
		}
		s.logger.Debug("archive segment reclaimed", "segment", seg.id)
	}
}

// ReadKind classifies a ReadAt result.
type ReadKind int

const (
	// ReadRecord means the sequence number is live; Record holds it.
	ReadRecord ReadKind = iota

	// ReadSkipped means the sequence number has been overwritten.
	// Lost messages were lost; resume at Resync.
	ReadSkipped

	// ReadEnd means the sequence number has not been written yet.
	ReadEnd
)

func (k ReadKind) String() string {
	switch k {
	case ReadRecord:
		return "record"
	case ReadSkipped:
		return "skipped"
	case ReadEnd:
		return "end"
	default:
		return fmt.Sprintf("ReadKind(%d)", int(k))
	}
}

// ReadResult is the outcome of ReadAt.
type ReadResult struct {
	Kind   ReadKind
	Record dcp.IndexRecord
	Lost   uint64
	Resync uint64
}

// ReadAt returns the index record for seq, or reports that the reader
// fell behind (ReadSkipped) or caught up (ReadEnd).
func (s *Store) ReadAt(seq uint64) ReadResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq >= s.writeSeq {
		return ReadResult{Kind: ReadEnd, Resync: s.writeSeq}
	}
	low := s.lowWaterLocked()
	if seq < low {
		return ReadResult{Kind: ReadSkipped, Lost: low - seq, Resync: low}
	}
	return ReadResult{Kind: ReadRecord, Record: s.slots[seq%uint64(s.capacity)]}
}

// Fetch reads the full message for a record returned by ReadAt. The
// returned payload is shared with the cache and must not be modified.
// Returns ErrOverwritten when the record's data segment has been
// reclaimed.
func (s *Store) Fetch(record dcp.IndexRecord) (dcp.StoredMessage, error) {
	if message, ok := s.cache.Get(record.Seq); ok {
		message.Flags = record.Flags
		return message, nil
	}

	s.mu.RLock()
	seg := s.segmentLocked(record.Segment)
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return dcp.StoredMessage{}, ErrClosed
	}
	if seg == nil {
		return dcp.StoredMessage{}, fmt.Errorf("%w: seq %d in segment %d", ErrOverwritten, record.Seq, record.Segment)
	}

	buffer := make([]byte, record.Length)
	if _, err := seg.file.ReadAt(buffer, int64(record.Offset)); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return dcp.StoredMessage{}, fmt.Errorf("%w: seq %d in segment %d", ErrOverwritten, record.Seq, record.Segment)
		}
		return dcp.StoredMessage{}, fmt.Errorf("archive: reading seq %d: %w", record.Seq, err)
	}
	_, message, err := decodeRecord(buffer)
	if err != nil {
		return dcp.StoredMessage{}, fmt.Errorf("archive: seq %d in %s: %w", record.Seq, segmentName(record.Segment), err)
	}
	if message.Seq != record.Seq {
		return dcp.StoredMessage{}, fmt.Errorf("%w: seq %d found %d at its location", ErrOverwritten, record.Seq, message.Seq)
	}

	s.cache.Add(record.Seq, message)
	message.Flags = record.Flags
	return message, nil
}

func (s *Store) segmentLocked(id uint32) *segment {
	if len(s.segments) == 0 || id < s.segments[0].id {
		return nil
	}
	index := int(id - s.segments[0].id)
	if index >= len(s.segments) || s.segments[index].id != id {
		return nil
	}
	return s.segments[index]
}

// MarkDeleted sets FlagDeleted on a live record. The only change the
// archive allows to an accepted message.
func (s *Store) MarkDeleted(ctx context.Context, seq uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.RLock()
	closed := s.closed
	live := seq >= s.lowWaterLocked() && seq < s.writeSeq
	record := s.slots[seq%uint64(s.capacity)]
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !live || record.Seq != seq {
		return fmt.Errorf("%w: %d", ErrNotLive, seq)
	}
	if record.Flags.Has(dcp.FlagDeleted) {
		return nil
	}

	record.Flags = record.Flags.With(dcp.FlagDeleted)
	slot := uint32(seq % uint64(s.capacity))
	if err := s.writeSlot(slot, record); err != nil {
		return err
	}
	s.mu.Lock()
	s.slots[slot] = record
	s.mu.Unlock()
	s.deleted.Add(1)
	s.logger.Info("archive record marked deleted", "seq", seq, "address", record.Address)
	return nil
}

// Close writes a final checkpoint and releases the archive. Further
// operations return ErrClosed.
func (s *Store) Close() error {
	s.writer <- struct{}{}
	defer s.release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.checkpointLocked()
	if err != nil {
		s.logger.Error("final checkpoint failed", "error", err)
	}
	s.closeFiles()
	unlockDirectory(s.lockFile)
	s.logger.Info("archive closed", "write_seq", s.WriteSeq())
	return err
}

func (s *Store) closeFiles() {
	s.mu.Lock()
	segments := s.segments
	s.mu.Unlock()
	for _, seg := range segments {
		seg.file.Close()
	}
	if s.index != nil {
		s.index.Close()
	}
}

// Stats is a point-in-time view of archive health.
type Stats struct {
	Capacity           uint32    `cbor:"capacity" json:"capacity"`
	Occupancy          uint64    `cbor:"occupancy" json:"occupancy"`
	WriteSeq           uint64    `cbor:"write_seq" json:"write_seq"`
	OldestSeq          uint64    `cbor:"oldest_seq" json:"oldest_seq"`
	Generation         uint64    `cbor:"generation" json:"generation"`
	Submitted          uint64    `cbor:"submitted" json:"submitted"`
	Dropped            uint64    `cbor:"dropped" json:"dropped"`
	Deleted            uint64    `cbor:"deleted" json:"deleted"`
	Segments           int       `cbor:"segments" json:"segments"`
	BytesOnDisk        int64     `cbor:"bytes_on_disk" json:"bytes_on_disk"`
	LastCheckpoint     time.Time `cbor:"last_checkpoint" json:"last_checkpoint"`
	CheckpointFailures uint64    `cbor:"checkpoint_failures" json:"checkpoint_failures"`
	TailTruncations    uint64    `cbor:"tail_truncations" json:"tail_truncations"`
	ForcedReclaims     uint64    `cbor:"forced_reclaims" json:"forced_reclaims"`
	DiskFree           uint64    `cbor:"disk_free" json:"disk_free"`
}

// Stats returns current counters and occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	low := s.lowWaterLocked()
	stats := Stats{
		Capacity:   s.capacity,
		Occupancy:  s.writeSeq - low,
		WriteSeq:   s.writeSeq,
		OldestSeq:  low,
		Generation: s.writeSeq / uint64(s.capacity),
		Segments:   len(s.segments),
	}
	for _, seg := range s.segments {
		stats.BytesOnDisk += seg.size
	}
	s.mu.RUnlock()

	stats.BytesOnDisk += int64(s.capacity) * dcp.IndexRecordSize
	stats.Submitted = s.submitted.Load()
	stats.Dropped = s.dropped.Load()
	stats.Deleted = s.deleted.Load()
	stats.CheckpointFailures = s.checkpointFailures.Load()
	stats.TailTruncations = s.tailTruncations.Load()
	stats.ForcedReclaims = s.forcedReclaims.Load()
	if nanos := s.lastCheckpoint.Load(); nanos != 0 {
		stats.LastCheckpoint = time.Unix(0, nanos).UTC()
	}
	stats.DiskFree = diskFree(s.dir)
	return stats
}
