// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build unix

package main

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockTry attempts a non-blocking exclusive lock on fd. held is true when
// another process owns the lock.
func flockTry(fd int) (held bool, err error) {
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	return false, err
}

// flockDrop releases the advisory lock on fd.
func flockDrop(fd int) error {
	return unix.Flock(fd, unix.LOCK_UN)
}

// processAlive reports whether pid names a live process, via signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(unix.Signal(0)) == nil
}
