package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConsoleLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabkit", "console.lock")

	lock, holder, err := acquireConsoleLock(path)
	if err != nil || lock == nil {
		t.Fatalf("acquireConsoleLock() = %v, %d, %v", lock, holder, err)
	}

	second, holder, err := acquireConsoleLock(path)
	if err != nil {
		t.Fatalf("second acquireConsoleLock() error = %v", err)
	}
	if second != nil {
		t.Fatalf("second acquireConsoleLock() succeeded while held")
	}
	if holder != os.Getpid() {
		t.Fatalf("holder = %d, want %d", holder, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, _, err := acquireConsoleLock(path)
	if err != nil || again == nil {
		t.Fatalf("acquireConsoleLock() after release = %v, %v", again, err)
	}
	_ = again.Release()
}

func TestConsoleLockReleaseNil(t *testing.T) {
	var lock *consoleLock
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() on nil = %v", err)
	}
}
