package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// InstanceLockFile is the lock file name inside the session directory.
const InstanceLockFile = ".parley.lock"

// InstanceLockError is returned when another server owns the directory.
type InstanceLockError struct {
	Path string
	PID  int
}

func (e *InstanceLockError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("another parley server (pid %d) holds %s", e.PID, e.Path)
	}
	return fmt.Sprintf("another parley server holds %s", e.Path)
}

// InstanceLock keeps a second server from writing to the same file-backed
// session directory.
type InstanceLock struct {
	path     string
	file     *os.File
	released bool
}

// InstanceLockOptions configures AcquireInstanceLock.
type InstanceLockOptions struct {
	// Dir is the directory being guarded. It is created if missing.
	Dir string
	// Timeout bounds how long to wait for a live owner to exit.
	Timeout time.Duration
	// PollInterval is how often the lock is retried.
	PollInterval time.Duration
	// StaleAfter treats an unreadable lock file older than this as abandoned.
	StaleAfter time.Duration
}

type instanceLockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// AcquireInstanceLock creates the lock file exclusively. Locks left behind by
// dead processes are removed and retried.
func AcquireInstanceLock(opts InstanceLockOptions) (*InstanceLock, error) {
	if opts.Dir == "" {
		return nil, errors.New("instance lock: directory is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("instance lock: %w", err)
	}
	path := filepath.Join(opts.Dir, InstanceLockFile)

	deadline := time.Now().Add(opts.Timeout)
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			data, _ := json.Marshal(instanceLockPayload{
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			})
			if _, err := file.Write(data); err != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("instance lock: %w", err)
			}
			return &InstanceLock{path: path, file: file}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("instance lock: %w", err)
		}

		owner := readInstanceLock(path)
		switch {
		case owner != nil && !processAlive(owner.PID):
			_ = os.Remove(path)
			continue
		case owner == nil && lockFileStale(path, opts.StaleAfter):
			_ = os.Remove(path)
			continue
		}

		if !time.Now().Before(deadline) {
			lockErr := &InstanceLockError{Path: path}
			if owner != nil {
				lockErr.PID = owner.PID
			}
			return nil, lockErr
		}
		time.Sleep(opts.PollInterval)
	}
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release removes the lock file. It is safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if l.file != nil {
		_ = l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readInstanceLock(path string) *instanceLockPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload instanceLockPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.PID <= 0 {
		return nil
	}
	return &payload
}

// processAlive sends signal 0, which checks existence without delivering
// anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func lockFileStale(path string, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > staleAfter
}
