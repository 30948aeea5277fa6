// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import "errors"

var (
	// ErrBusy is returned by Submit when the writer slot could not be
	// acquired within Config.SubmitTimeout. The caller may retry.
	ErrBusy = errors.New("archive: busy")

	// ErrDropped is returned by Submit when the message could not be
	// written after all retries. The message is counted as dropped.
	ErrDropped = errors.New("archive: message dropped")

	// ErrCorrupt is returned by Open when the checkpoint or the index
	// slots it covers fail verification.
	ErrCorrupt = errors.New("archive: corrupt")

	// ErrOverwritten is returned by Fetch when the data segment holding
	// the record has been reclaimed.
	ErrOverwritten = errors.New("archive: record overwritten")

	// ErrNotLive is returned by MarkDeleted for a sequence number
	// outside the live window.
	ErrNotLive = errors.New("archive: sequence not live")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("archive: closed")

	// ErrLocked is returned by Open when another process holds the
	// archive directory.
	ErrLocked = errors.New("archive: directory locked by another process")
)
