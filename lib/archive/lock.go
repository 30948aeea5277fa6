// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sys/unix"
)

const lockFileName = "lock"

// lockDirectory takes an exclusive, non-blocking flock on the archive
// directory's lock file. The lock is released when the file is closed
// or the process exits.
func lockDirectory(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("archive: locking %s: %w", path, err)
	}
	return file, nil
}

func unlockDirectory(file *os.File) {
	if file == nil {
		return
	}
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	file.Close()
}

// diskFree reports free bytes on the filesystem holding dir, or zero
// when the filesystem cannot be queried.
func diskFree(dir string) uint64 {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0
	}
	return usage.Free
}
