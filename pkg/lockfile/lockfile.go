/*
Package lockfile implements the process-wide advisory lock that prevents
two processes from opening the same data directory for writing.

The lock is an flock(2)-style exclusive, non-blocking lock on
nendb.lock in the data directory: a single engine process holds it for
the lifetime of one Open/Close pair, so two processes can never open
the same data directory for writing at once. The file's contents are
the PID of the holding process, written after the lock is acquired,
purely for operator diagnosis -- the flock itself is what a second
process actually contends on.
*/
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cuemby/nendb/pkg/types"
)

const fileName = "nendb.lock"

// Lock holds an acquired exclusive lock on one data directory's lockfile.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dataDir/nendb.lock,
// creating the file if needed and stamping it with the current PID.
// A second process calling Acquire on the same directory gets
// types.ErrDatabaseLocked.
func Acquire(dataDir string) (*Lock, error) {
	path := filepath.Join(dataDir, fileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lockfile %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("data directory %s held by another process: %w", dataDir, types.ErrDatabaseLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("truncate lockfile %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write pid to lockfile %s: %w", path, err)
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and closes the lockfile. The file itself is left in
// place -- only the flock is released -- so the next Acquire can reuse
// it without racing a delete.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
