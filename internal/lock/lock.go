package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another process holds the credential lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("credential lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired credential-directory lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to take an exclusive lock on the credential
// directory. Returns HeldError if another process already holds it.
func Acquire(credDir string) (*Lock, error) {
	lockPath := filepath.Join(credDir, "LOCK")

	if err := os.MkdirAll(credDir, 0700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		// Read existing PID from file for diagnostics.
		data, _ := os.ReadFile(lockPath)
		pid := ParsePID(string(data))
		_ = f.Close()
		return nil, &HeldError{PID: pid, Path: lockPath}
	}

	// Write PID + timestamp.
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// OwnerPID returns the PID recorded in a credential lock file, or 0 if
// the file is missing or unreadable. Used during orphan cleanup.
func OwnerPID(credDir string) int {
	data, err := os.ReadFile(filepath.Join(credDir, "LOCK"))
	if err != nil {
		return 0
	}
	return ParsePID(string(data))
}

// RemoveStale deletes a lock file regardless of ownership. The caller
// must have established that the owning process is gone.
func RemoveStale(credDir string) error {
	err := os.Remove(filepath.Join(credDir, "LOCK"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ParsePID extracts the pid= line from lock file content.
func ParsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
