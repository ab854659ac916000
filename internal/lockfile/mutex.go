// Package lockfile implements the cross-process recursive mutex that
// serializes network-interface mutations across every apmgr process,
// whether it runs elevated or goes through the broker daemon.
//
// Two files back the mutex: a global lock file shared by all processes,
// held with a blocking exclusive flock while any process is inside the
// critical section, and a per-process counter file recording how many
// nested acquisitions the current process holds. The OS lock is taken on
// the 0->1 transition and dropped on the 1->0 transition; nested calls
// only touch the counter. Advisory locks are not recursive at the OS
// level, so the counter is what makes re-entry from the same process
// safe.
//
// The global file is never unlinked. Removing it while another process
// holds an open descriptor would let a newcomer lock a fresh inode and
// run concurrently with the existing holder.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	globalLockName = "apmgr.all.lock"
	counterNameFmt = "apmgr.%d.lock"
)

var (
	// ErrClosed is returned when the mutex is used after Close.
	ErrClosed = errors.New("lockfile: mutex is closed")

	// ErrReleaseUnheld is returned when Release is called more times
	// than Acquire. The counter is clamped at zero, never negative.
	ErrReleaseUnheld = errors.New("lockfile: release without matching acquire")
)

// Mutex is a cross-process reentrant lock. Construct it with New, pass it
// to whatever needs process-wide serialization, and Close it on the way
// out. It is safe for concurrent use by multiple goroutines.
type Mutex struct {
	mu          sync.Mutex // serializes goroutines of this process
	global      *os.File
	counter     *os.File
	globalPath  string
	counterPath string
	closed      bool
}

// New opens the shared global lock file and creates this process's
// counter file under dir (os.TempDir if empty). The global file is
// created world-readable and handed to root on a best-effort basis so
// privileged and unprivileged invocations coordinate through the same
// inode. Returns an error if either file cannot be opened; the caller
// must not enter the critical section without a working mutex.
func New(dir string) (*Mutex, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	return newAt(
		filepath.Join(dir, globalLockName),
		filepath.Join(dir, fmt.Sprintf(counterNameFmt, os.Getpid())),
	)
}

func newAt(globalPath, counterPath string) (*Mutex, error) {
	// A counter file left behind by a crashed process that happened to
	// share our pid would start us at a nonzero depth.
	os.Remove(counterPath)

	global, err := os.OpenFile(globalPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open global lock %s: %w", globalPath, err)
	}
	// Best effort. Fails with EPERM when we are not root, which is fine:
	// the file is still openable by everyone that matters.
	_ = os.Chown(globalPath, 0, 0)

	counter, err := os.OpenFile(counterPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		global.Close()
		return nil, fmt.Errorf("lockfile: create counter file %s: %w", counterPath, err)
	}

	m := &Mutex{
		global:      global,
		counter:     counter,
		globalPath:  globalPath,
		counterPath: counterPath,
	}
	if err := m.writeCounter(0); err != nil {
		global.Close()
		counter.Close()
		os.Remove(counterPath)
		return nil, err
	}
	return m, nil
}

// Acquire blocks until this process holds the critical section. The
// blocking happens in flock, not in a poll loop, and has no timeout:
// callers that need bounded waiting must wrap Acquire themselves.
// Nested calls from a process already holding the lock return
// immediately after bumping the counter.
func (m *Mutex) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if err := unix.Flock(int(m.counter.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lockfile: lock counter file: %w", err)
	}
	defer unix.Flock(int(m.counter.Fd()), unix.LOCK_UN)

	n, err := m.readCounter()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := unix.Flock(int(m.global.Fd()), unix.LOCK_EX); err != nil {
			return fmt.Errorf("lockfile: lock global file: %w", err)
		}
	}
	return m.writeCounter(n + 1)
}

// Release undoes one Acquire. Only the call that brings the counter from
// one to zero drops the OS-level lock. Calling Release with no matching
// Acquire returns ErrReleaseUnheld and leaves the counter at zero.
func (m *Mutex) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if err := unix.Flock(int(m.counter.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lockfile: lock counter file: %w", err)
	}
	defer unix.Flock(int(m.counter.Fd()), unix.LOCK_UN)

	n, err := m.readCounter()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReleaseUnheld
	}
	n--
	if n == 0 {
		if err := unix.Flock(int(m.global.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("lockfile: unlock global file: %w", err)
		}
	}
	return m.writeCounter(n)
}

// Depth returns the current reentrancy depth of this process.
func (m *Mutex) Depth() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.readCounter()
}

// CounterPath returns the path of this process's counter file.
func (m *Mutex) CounterPath() string { return m.counterPath }

// GlobalPath returns the path of the shared global lock file.
func (m *Mutex) GlobalPath() string { return m.globalPath }

// Close drops the OS lock if this process still holds it, removes the
// counter file and closes both descriptors. The global lock file is left
// in place for other processes. Safe to call more than once.
func (m *Mutex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if n, err := m.readCounter(); err == nil && n > 0 {
		unix.Flock(int(m.global.Fd()), unix.LOCK_UN)
	}
	m.counter.Close()
	os.Remove(m.counterPath)
	return m.global.Close()
}

// readCounter reads the decimal reentrancy count from the counter file.
// An empty file counts as zero.
func (m *Mutex) readCounter() (int, error) {
	if _, err := m.counter.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("lockfile: seek counter file: %w", err)
	}
	buf := make([]byte, 32)
	k, err := m.counter.Read(buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("lockfile: read counter file: %w", err)
	}
	s := strings.TrimSpace(string(buf[:k]))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("lockfile: corrupt counter file %s: %w", m.counterPath, err)
	}
	return n, nil
}

// writeCounter persists n as a decimal string, truncating any previous
// longer value, and syncs so the count survives a crash of this process.
func (m *Mutex) writeCounter(n int) error {
	if err := m.counter.Truncate(0); err != nil {
		return fmt.Errorf("lockfile: truncate counter file: %w", err)
	}
	if _, err := m.counter.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("lockfile: seek counter file: %w", err)
	}
	if _, err := m.counter.WriteString(strconv.Itoa(n)); err != nil {
		return fmt.Errorf("lockfile: write counter file: %w", err)
	}
	if err := m.counter.Sync(); err != nil {
		return fmt.Errorf("lockfile: sync counter file: %w", err)
	}
	return nil
}
