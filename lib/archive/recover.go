// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dcphub/dcphub/lib/dcp"
)

// recoverState rebuilds in-memory state from disk: the checkpoint, the
// index slots it vouches for, and the data appended after it.
func (s *Store) recoverState() error {
	state, err := loadCheckpoint(s.dir)
	if err != nil {
		return err
	}
	if state != nil && state.Capacity != s.capacity {
		return fmt.Errorf("archive: archive in %s has capacity %d, configured %d", s.dir, state.Capacity, s.capacity)
	}

	s.index, err = s.config.openFile(filepath.Join(s.dir, indexFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("archive: opening index: %w", err)
	}
	indexSize := int64(s.capacity) * dcp.IndexRecordSize
	info, err := s.index.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat index: %w", err)
	}
	if info.Size() != indexSize {
		if err := s.index.Truncate(indexSize); err != nil {
			return fmt.Errorf("archive: sizing index: %w", err)
		}
	}

	existing, err := listSegments(s.dir)
	if err != nil {
		return err
	}

	var startOffset int64
	if state != nil {
		s.writeSeq = state.WriteSeq
		s.floor = state.Floor
		if err := s.loadSlots(indexSize); err != nil {
			return err
		}
		if err := s.openCheckpointSegments(state.Segments); err != nil {
			return err
		}
		if len(s.segments) > 0 {
			startOffset = s.segments[len(s.segments)-1].size
		}
	}

	reclaimed := state != nil && len(state.Segments) > 0 && len(s.segments) == 0
	if len(s.segments) == 0 && (len(existing) > 0 || reclaimed) {
		if err := s.adoptOldestSegment(state, existing); err != nil {
			return err
		}
	}

	if len(s.segments) > 0 {
		if err := s.replay(startOffset); err != nil {
			return err
		}
	}

	s.removeStraySegments(existing)
	s.raiseFloorPastHoles()
	return nil
}

// loadSlots reads the index ring and installs the slots covering the
// checkpointed window. Caller has set writeSeq and floor from the
// checkpoint.
func (s *Store) loadSlots(indexSize int64) error {
	buffer := make([]byte, indexSize)
	if _, err := s.index.ReadAt(buffer, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("archive: reading index: %w", err)
	}

	capacity := uint64(s.capacity)
	for seq := s.lowWaterLocked(); seq < s.writeSeq; seq++ {
		slot := seq % capacity
		var record dcp.IndexRecord
		if err := record.UnmarshalBinary(buffer[slot*dcp.IndexRecordSize:]); err != nil {
			return fmt.Errorf("%w: index slot %d for seq %d: %v", ErrCorrupt, slot, seq, err)
		}
		switch {
		case record.Seq == seq:
			s.slots[slot] = record
		case record.Seq > seq && (record.Seq-seq)%capacity == 0:
			// Overwritten after the checkpoint. Replay restores the
			// newer record or the hole check below catches the loss.
		default:
			return fmt.Errorf("%w: index slot %d holds seq %d, expected %d", ErrCorrupt, slot, record.Seq, seq)
		}
	}
	return nil
}

// openCheckpointSegments opens the segments the checkpoint lists.
// Segments missing from the front of the list were reclaimed after the
// checkpoint and are skipped. A gap after the first surviving segment,
// or a short segment, is corruption. When every listed segment is gone
// s.segments stays empty and adoptOldestSegment takes over.
func (s *Store) openCheckpointSegments(states []segmentState) error {
	for _, state := range states {
		path := filepath.Join(s.dir, segmentName(state.ID))
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			if len(s.segments) == 0 {
				s.logger.Info("checkpointed segment already reclaimed", "segment", state.ID)
				continue
			}
			return fmt.Errorf("%w: segment %s missing", ErrCorrupt, segmentName(state.ID))
		}
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", path, err)
		}
		if info.Size() < state.Size {
			return fmt.Errorf("%w: segment %s is %d bytes, checkpoint recorded %d",
				ErrCorrupt, segmentName(state.ID), info.Size(), state.Size)
		}
		file, err := s.openSegment(state.ID)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, &segment{
			id:       state.ID,
			firstSeq: state.FirstSeq,
			count:    state.Count,
			size:     state.Size,
			file:     file,
		})
	}
	return nil
}

// adoptOldestSegment starts replay at offset 0 of the oldest segment
// on disk when no checkpointed segment survives: either there is no
// checkpoint, or reclaim removed everything it listed. The sequence
// restarts at the segment's first record. With a checkpoint, that
// record must not predate the checkpointed write position, and the
// segment must be newer than every listed one.
func (s *Store) adoptOldestSegment(state *checkpoint, existing []uint32) error {
	candidates := existing
	reclaimed := state != nil && len(state.Segments) > 0
	if reclaimed {
		last := state.Segments[len(state.Segments)-1].ID
		i, _ := slices.BinarySearch(existing, last+1)
		candidates = existing[i:]
		if len(candidates) == 0 {
			return fmt.Errorf("%w: segment %s missing", ErrCorrupt, segmentName(last))
		}
	}
	first := candidates[0]
	file, err := s.openSegment(first)
	if err != nil {
		return err
	}
	_, header, _, err := readRecordAt(file, 0)
	switch {
	case state == nil:
		if err == nil {
			s.writeSeq = header.seq
			s.floor = header.seq
		}
	case err != nil && reclaimed:
		file.Close()
		return fmt.Errorf("%w: first record of %s after reclaimed checkpoint segments: %v",
			ErrCorrupt, segmentName(first), err)
	case err != nil:
		// Torn first record; replay truncates it.
	case header.seq < state.WriteSeq:
		file.Close()
		return fmt.Errorf("%w: segment %s starts at seq %d, checkpoint recorded write seq %d",
			ErrCorrupt, segmentName(first), header.seq, state.WriteSeq)
	case reclaimed || header.seq > s.writeSeq:
		s.logger.Info("checkpointed data reclaimed, resuming from oldest segment",
			"segment", first,
			"checkpoint_write_seq", state.WriteSeq,
			"write_seq", header.seq,
		)
		s.writeSeq = header.seq
		s.floor = header.seq
	}
	s.segments = []*segment{{id: first, firstSeq: s.writeSeq, file: file}}
	return nil
}

func (s *Store) openSegment(id uint32) (storageFile, error) {
	file, err := s.config.openFile(filepath.Join(s.dir, segmentName(id)), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", segmentName(id), err)
	}
	return file, nil
}

// replay scans records after startOffset in the last known segment
// and through any later segments, rebuilding index slots. The first
// torn record ends the scan: its segment is truncated there and later
// segments are discarded by removeStraySegments.
func (s *Store) replay(startOffset int64) error {
	capacity := uint64(s.capacity)
	current := s.segments[len(s.segments)-1]
	offset := startOffset
	replayed := 0

	for {
		raw, header, message, err := readRecordAt(current.file, offset)
		if errors.Is(err, io.EOF) {
			nextID := current.id + 1
			if _, statErr := os.Stat(filepath.Join(s.dir, segmentName(nextID))); statErr != nil {
				break
			}
			file, err := s.openSegment(nextID)
			if err != nil {
				return err
			}
			current = &segment{id: nextID, firstSeq: s.writeSeq, file: file}
			s.segments = append(s.segments, current)
			offset = 0
			continue
		}
		if err == nil && header.seq != s.writeSeq {
			err = fmt.Errorf("%w: found seq %d where %d was expected", errTornRecord, header.seq, s.writeSeq)
		}
		if err != nil {
			if !errors.Is(err, errTornRecord) {
				return fmt.Errorf("archive: replaying %s: %w", segmentName(current.id), err)
			}
			s.tailTruncations.Add(1)
			s.logger.Warn("archive tail truncated at torn record",
				"segment", current.id,
				"offset", offset,
				"write_seq", s.writeSeq,
				"error", err,
			)
			if err := current.file.Truncate(offset); err != nil {
				return fmt.Errorf("archive: truncating %s: %w", segmentName(current.id), err)
			}
			current.size = offset
			break
		}

		record := dcp.IndexRecord{
			Seq:        header.seq,
			Address:    message.Address,
			Flags:      message.Flags,
			EventTime:  message.EventTime,
			Source:     message.Source,
			Channel:    message.Channel,
			Spacecraft: message.Spacecraft,
			Segment:    current.id,
			Length:     uint32(len(raw)),
			Offset:     uint64(offset),
		}
		slot := uint32(header.seq % capacity)
		// Deletion marks live only in the index; keep one that
		// survived in the slot.
		if previous := s.slots[slot]; previous.Seq == header.seq && previous.Flags.Has(dcp.FlagDeleted) {
			record.Flags = record.Flags.With(dcp.FlagDeleted)
		}
		if err := s.writeSlot(slot, record); err != nil {
			return err
		}
		s.slots[slot] = record

		if current.count == 0 {
			current.firstSeq = header.seq
		}
		current.count++
		offset += int64(len(raw))
		current.size = offset
		s.writeSeq++
		replayed++
	}

	if replayed > 0 {
		s.logger.Info("archive replayed records after checkpoint", "records", replayed, "write_seq", s.writeSeq)
	}
	return nil
}

// removeStraySegments deletes segment files outside the retained
// range: older ones whose reclamation was interrupted and newer ones
// past a truncated tail.
func (s *Store) removeStraySegments(existing []uint32) {
	if len(s.segments) == 0 {
		return
	}
	first, last := s.segments[0].id, s.segments[len(s.segments)-1].id
	for _, id := range existing {
		if id >= first && id <= last {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, segmentName(id))); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing stray segment", "segment", id, "error", err)
			continue
		}
		if id > last {
			s.logger.Warn("archive discarded segment past truncated tail", "segment", id)
		} else {
			s.logger.Info("archive removed reclaimed segment", "segment", id)
		}
	}
}

// raiseFloorPastHoles makes sure every seq in the live window has its
// slot. A slot that was overwritten by a write whose data did not
// survive leaves a hole; everything up to it is declared lost.
func (s *Store) raiseFloorPastHoles() {
	capacity := uint64(s.capacity)
	low := s.lowWaterLocked()
	hole, found := uint64(0), false
	for seq := low; seq < s.writeSeq; seq++ {
		record := s.slots[seq%capacity]
		if record.Seq != seq || record.Length == 0 {
			hole, found = seq, true
		}
	}
	if found {
		s.floor = hole + 1
		s.logger.Warn("archive index has holes after recovery, raising floor",
			"floor", s.floor,
			"lost", s.floor-low,
		)
	}
}

func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: listing %s: %w", dir, err)
	}
	var ids []uint32
	for _, entry := range entries {
		if id, ok := parseSegmentName(entry.Name()); ok && entry.Type().IsRegular() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
