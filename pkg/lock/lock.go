// Package lock provides a cross-process guard so only one agent watches a
// given directory at a time.
package lock

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/zeebo/blake3"
)

// ErrHeld is returned by Acquire when another live process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// Lock is an advisory exclusive lock on a file. The kernel releases it when
// the holder exits, so a crashed agent never leaves a stale lock.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New returns a Lock backed by the file at path.
func New(path string) *Lock {
	return &Lock{path: path}
}

// ForDir returns the lock guarding watchDir, stored under lockDir.
func ForDir(lockDir, watchDir string) *Lock {
	abs, err := filepath.Abs(watchDir)
	if err != nil {
		abs = watchDir
	}
	sum := blake3.Sum256([]byte(filepath.Clean(abs)))
	name := "tripwire-" + hex.EncodeToString(sum[:8]) + ".lock"
	return New(filepath.Join(lockDir, name))
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock without blocking. It returns ErrHeld when another
// holder is live.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return err
	}

	// Record the holder for operators; the lock itself is the flock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	l.f = f
	return nil
}

// TryAcquire reports whether the lock was taken, treating ErrHeld as false.
func (l *Lock) TryAcquire() (bool, error) {
	err := l.Acquire()
	if errors.Is(err, ErrHeld) {
		return false, nil
	}
	return err == nil, err
}

// Release frees the lock for the next process. Safe to call when not held.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	_ = f.Truncate(0)
	if err := unlock(f); err != nil {
		f.Close()
		return fmt.Errorf("unlock: %w", err)
	}
	return f.Close()
}

// Held reports whether this Lock currently holds the file.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}
