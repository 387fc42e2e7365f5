// internal/registry/lock.go
package registry

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// staleLockAge is how old a lock file must be before another process may
// take it over. Registry writes are short-lived; anything older is a crash
// leftover.
const staleLockAge = 30 * time.Second

// advisoryLock is a file-based advisory lock (O_CREATE|O_EXCL) guarding the
// global registry against concurrent writers from different workspaces.
type advisoryLock struct {
	path string
}

func newAdvisoryLock(path string) *advisoryLock {
	return &advisoryLock{path: path}
}

// Acquire takes the lock, polling until timeout. A stale lock file is
// removed and retried.
func (l *advisoryLock) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire registry lock: %w", err)
		}

		if info, statErr := os.Stat(l.path); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(l.path)
				continue
			}
		}

		if time.Now().After(deadline) {
			holder := l.holder()
			return fmt.Errorf("registry lock held by pid %s after %s", holder, timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Release drops the lock.
func (l *advisoryLock) Release() {
	os.Remove(l.path)
}

func (l *advisoryLock) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	pid := string(data)
	if len(pid) > 0 && pid[len(pid)-1] == '\n' {
		pid = pid[:len(pid)-1]
	}
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown"
	}
	return pid
}
