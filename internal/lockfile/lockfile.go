package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrLockConflict is returned when the lock path is already held by a
// live process.
var ErrLockConflict = errors.New("lock file already held")

// Handle represents exclusive ownership of one lock path for the lifetime
// of a spawned gateway. Release is idempotent and must run on every exit
// path of the spawn that created it.
type Handle struct {
	mu       sync.Mutex
	path     string
	f        *os.File
	released bool
}

// Acquire takes the exclusive lock at path. A leftover lock file is
// cleared first, but only when the pid recorded inside it is no longer
// alive (or unreadable); a lock held by a live process yields
// ErrLockConflict. The file is created with O_EXCL and owner-only
// permissions, and the caller's pid is written into it.
func Acquire(path string) (*Handle, error) {
	if path == "" {
		return nil, errors.New("empty lock path")
	}
	clearStale(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockConflict, path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Handle{path: path, f: f}, nil
}

// Release closes the handle and deletes the lock file. Safe to call more
// than once; only the first call does any work.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if h.f != nil {
		_ = h.f.Close()
		h.f = nil
	}
	_ = os.Remove(h.path)
}

// Path returns the lock file path.
func (h *Handle) Path() string { return h.path }

// clearStale removes a leftover lock file when its owner is provably gone.
// A readable pid belonging to a live process keeps the file in place so
// Acquire fails with ErrLockConflict instead of stealing the lock.
func clearStale(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err == nil && pid > 0 && pidAlive(pid) {
		return
	}
	_ = os.Remove(path)
}

func pidAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything. EPERM still
	// means the pid exists.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
