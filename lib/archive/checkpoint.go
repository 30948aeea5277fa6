// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dcphub/dcphub/lib/codec"
)

const (
	checkpointFileName = "checkpoint.cbor"
	checkpointVersion  = 1
)

// checkpoint is the durable snapshot written by Checkpoint. Everything
// it describes was fsynced before it was written.
type checkpoint struct {
	Version  int            `cbor:"version"`
	Capacity uint32         `cbor:"capacity"`
	WriteSeq uint64         `cbor:"write_seq"`
	Floor    uint64         `cbor:"floor,omitempty"`
	Segments []segmentState `cbor:"segments"`
	Time     time.Time      `cbor:"time"`
	Checksum []byte         `cbor:"checksum,omitempty"`
}

type segmentState struct {
	ID       uint32 `cbor:"id"`
	FirstSeq uint64 `cbor:"first_seq"`
	Count    int    `cbor:"count"`
	Size     int64  `cbor:"size"`
}

func (c checkpoint) checksum() ([]byte, error) {
	c.Checksum = nil
	encoded, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}

// Checkpoint makes the current write position durable: it fsyncs the
// active segment and the index ring, then atomically replaces
// checkpoint.cbor. Failures are counted and left for the next cycle.
func (s *Store) Checkpoint() error {
	if err := s.acquire(context.Background()); err != nil {
		s.checkpointFailures.Add(1)
		return fmt.Errorf("archive: checkpoint: %w", err)
	}
	defer s.release()
	if s.isClosed() {
		return ErrClosed
	}
	return s.checkpointLocked()
}

// checkpointLocked writes a checkpoint. Caller holds the writer slot.
func (s *Store) checkpointLocked() error {
	err := s.writeCheckpoint()
	if err != nil {
		s.checkpointFailures.Add(1)
		return err
	}
	s.lastCheckpoint.Store(s.clock.Now().UnixNano())
	return nil
}

func (s *Store) writeCheckpoint() error {
	s.mu.RLock()
	state := checkpoint{
		Version:  checkpointVersion,
		Capacity: s.capacity,
		WriteSeq: s.writeSeq,
		Floor:    s.floor,
		Time:     s.clock.Now().UTC(),
	}
	var active *segment
	for _, seg := range s.segments {
		state.Segments = append(state.Segments, segmentState{
			ID:       seg.id,
			FirstSeq: seg.firstSeq,
			Count:    seg.count,
			Size:     seg.size,
		})
		active = seg
	}
	s.mu.RUnlock()

	if active != nil {
		if err := active.file.Sync(); err != nil {
			return fmt.Errorf("archive: checkpoint: syncing %s: %w", segmentName(active.id), err)
		}
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("archive: checkpoint: syncing index: %w", err)
	}

	sum, err := state.checksum()
	if err != nil {
		return fmt.Errorf("archive: checkpoint: %w", err)
	}
	state.Checksum = sum
	encoded, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("archive: checkpoint: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, checkpointFileName), encoded); err != nil {
		return fmt.Errorf("archive: checkpoint: %w", err)
	}
	s.logger.Debug("archive checkpoint written", "write_seq", state.WriteSeq, "segments", len(state.Segments))
	return nil
}

// loadCheckpoint reads checkpoint.cbor. Returns (nil, nil) when no
// checkpoint exists and ErrCorrupt when it fails verification.
func loadCheckpoint(dir string) (*checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpointFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: reading checkpoint: %w", err)
	}
	var state checkpoint
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: checkpoint does not decode: %v", ErrCorrupt, err)
	}
	if state.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: checkpoint version %d", ErrCorrupt, state.Version)
	}
	sum, err := state.checksum()
	if err != nil {
		return nil, fmt.Errorf("archive: checkpoint: %w", err)
	}
	if !bytes.Equal(sum, state.Checksum) {
		return nil, fmt.Errorf("%w: checkpoint checksum mismatch", ErrCorrupt)
	}
	return &state, nil
}

// writeFileAtomic writes data to a temporary file, fsyncs it, renames
// it over path and fsyncs the directory.
func writeFileAtomic(path string, data []byte) error {
	temporary := path + ".tmp"
	file, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporary)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporary)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return err
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return err
	}
	directory, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer directory.Close()
	return directory.Sync()
}

// RunCheckpoints writes a checkpoint every interval until ctx is
// cancelled. Failures are logged; the next tick retries.
func (s *Store) RunCheckpoints(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Checkpoint(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				s.logger.Warn("archive checkpoint failed", "error", err)
			}
		}
	}
}
