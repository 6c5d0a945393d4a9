package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// consoleLock keeps a second console from attaching to the same user's
// settings and logs. The lock file holds the owner's pid.
type consoleLock struct {
	file *flock.Flock
}

func (l *consoleLock) Release() error {
	if l == nil || l.file == nil || !l.file.Locked() {
		return nil
	}
	_ = os.Truncate(l.file.Path(), 0)
	if err := l.file.Unlock(); err != nil {
		return fmt.Errorf("release console lock: %w", err)
	}
	return nil
}

// acquireConsoleLock takes the lock at path. When another process holds it,
// the returned pid is the holder's, or 0 if it cannot be read.
func acquireConsoleLock(path string) (*consoleLock, int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, 0, fmt.Errorf("create lock directory: %w", err)
	}
	f := flock.New(path)
	locked, err := f.TryLock()
	if err != nil {
		return nil, 0, fmt.Errorf("acquire console lock: %w", err)
	}
	if !locked {
		return nil, lockHolder(path), nil
	}
	// The pid is informational; some platforms refuse writes to a locked file.
	_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
	return &consoleLock{file: f}, 0, nil
}

func lockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func consoleLockPath() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(root, "collabkit", "console.lock"), nil
}
