// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// RunLockConfig configures the run lock.
type RunLockConfig struct {
	// LockDir holds the lock and PID files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name of both files.
	// Default: "autoupgrader"
	LockName string
}

// RunLock is an advisory, non-blocking flock(2) lock.
//
// # Description
//
// Two autoupgrader runs on one host would both repoint version symlinks
// and both migrate the same stores. RunLock makes the second run fail
// fast instead. The lock is released by the kernel when the process dies,
// so a crash never leaves it stuck; the PID file is informational only.
//
// # Thread Safety
//
// Use from a single goroutine.
type RunLock struct {
	lockPath string
	pidPath  string
	file     *os.File
}

// ErrLockHeld is returned when another process holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another autoupgrader run is in progress (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another autoupgrader run is in progress (check: lsof %s)", e.LockPath)
}

// NewRunLock creates a lock. It does not acquire it.
func NewRunLock(config RunLockConfig) *RunLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "autoupgrader"
	}
	return &RunLock{
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire takes the lock or returns *ErrLockHeld immediately.
func (l *RunLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	l.file = f
	// The PID file only helps operators; the flock is what matters.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *RunLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this RunLock holds the lock.
func (l *RunLock) IsHeld() bool {
	return l.file != nil
}

// HolderPID returns the PID recorded by the holder, or 0.
func (l *RunLock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockPath returns the lock file path.
func (l *RunLock) LockPath() string {
	return l.lockPath
}
