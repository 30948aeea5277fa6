// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dcphub/dcphub/lib/clock"
)

const (
	defaultCapacity       = 100_000
	defaultSegmentRecords = 4096
	defaultSubmitTimeout  = 2 * time.Second
	defaultWriteRetries   = 3
	defaultRetryBackoff   = 50 * time.Millisecond
	defaultCacheEntries   = 4096
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Dir is the archive directory. Created if missing.
	Dir string

	// Capacity is the number of index slots (N). Fixed for the life
	// of an archive: reopening with a different capacity fails.
	Capacity uint32

	// SegmentRecords is the number of records per data segment.
	SegmentRecords int

	// MaxSegments caps the number of retained data segments. Segments
	// pinned by slow readers are reclaimed anyway once the cap is
	// exceeded. Defaults to the number of segments a full window
	// spans plus four; must be at least the window span plus one.
	MaxSegments int

	// Compression is the payload codec for new records.
	Compression Compression

	// SubmitTimeout bounds how long Submit and MarkDeleted wait for
	// the writer slot before returning ErrBusy.
	SubmitTimeout time.Duration

	// WriteRetries is the number of retries after a failed append.
	// Zero selects the default; negative disables retries.
	WriteRetries int

	// RetryBackoff is the delay before the first retry, doubled for
	// each subsequent one.
	RetryBackoff time.Duration

	// CacheEntries is the size of the decoded-message cache used by
	// Fetch.
	CacheEntries int

	Clock  clock.Clock
	Logger *slog.Logger

	// openFile opens data and index files. Replaced in tests to
	// inject write failures.
	openFile func(name string, flag int, perm os.FileMode) (storageFile, error)
}

// storageFile is the subset of *os.File the store uses for segments
// and the index ring.
type storageFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
	Stat() (os.FileInfo, error)
}

func openOSFile(name string, flag int, perm os.FileMode) (storageFile, error) {
	return os.OpenFile(name, flag, perm)
}

// windowSegments is the most segments a full index window can span.
func (c *Config) windowSegments() int {
	return (int(c.Capacity)+c.SegmentRecords-1)/c.SegmentRecords + 1
}

func (c *Config) applyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = defaultCapacity
	}
	if c.SegmentRecords == 0 {
		c.SegmentRecords = defaultSegmentRecords
	}
	if c.MaxSegments == 0 && c.SegmentRecords > 0 {
		c.MaxSegments = c.windowSegments() + 3
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = defaultWriteRetries
	} else if c.WriteRetries < 0 {
		c.WriteRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = defaultCacheEntries
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.openFile == nil {
		c.openFile = openOSFile
	}
}

func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("archive: directory is required")
	}
	if c.SegmentRecords < 1 {
		return fmt.Errorf("archive: segment records must be positive, got %d", c.SegmentRecords)
	}
	if minimum := c.windowSegments(); c.MaxSegments < minimum {
		return fmt.Errorf("archive: max segments %d is below the %d segments a full window spans", c.MaxSegments, minimum)
	}
	if c.Compression > CompressionZstd {
		return fmt.Errorf("archive: unsupported compression %d", c.Compression)
	}
	return nil
}
