// Package lockfile implements the advisory per-feature lock. The lock is
// cooperative: every orchestrator acquires it before mutating state and
// releases it on every exit path, but nothing stops a rogue process from
// overwriting the file.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StalenessHorizon is how old a lock may be before any acquirer may break
// it. Sized to exceed any plausible run while letting abandoned locks heal.
const StalenessHorizon = 2 * time.Hour

// Holder describes the current owner of an active lock.
type Holder struct {
	PID        int
	Timestamp  time.Time
	AgeSeconds float64
}

// Lock is a file-backed mutex keyed by feature.
type Lock struct {
	path string

	// overridable for tests
	now func() time.Time
	pid func() int
}

// New creates a lock rooted in the feature's directory.
func New(featureDir string) *Lock {
	return &Lock{
		path: filepath.Join(featureDir, ".lock"),
		now:  time.Now,
		pid:  os.Getpid,
	}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock. It succeeds when no lock file exists, when the
// existing file is unparseable, when the holder's timestamp is older
// than the staleness horizon, or when the holder is this process; in every
// success case the file is
// overwritten with this process's pid and timestamp. A lock exactly at the
// horizon is still active.
func (l *Lock) Acquire() (bool, error) {
	if holder := l.activeHolder(); holder != nil && holder.PID != l.pid() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	content := fmt.Sprintf("%d:%d", l.pid(), l.now().Unix())
	if err := os.WriteFile(l.path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	return true, nil
}

// Release removes the lock file. A missing file is not an error.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Check returns the active holder, or nil when no active lock exists.
// Stale, corrupt, and missing lock files all report nil.
func (l *Lock) Check() *Holder {
	return l.activeHolder()
}

// activeHolder parses the lock file best-effort and applies the staleness
// horizon.
func (l *Lock) activeHolder() *Holder {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	content := strings.TrimSpace(string(data))
	pidStr, tsStr, ok := strings.Cut(content, ":")
	if !ok {
		return nil
	}
	ts, err := strconv.ParseFloat(tsStr, 64)
	if err != nil {
		return nil
	}

	age := l.now().Sub(time.Unix(int64(ts), 0))
	if age.Truncate(time.Second) > StalenessHorizon {
		return nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil
	}

	return &Holder{
		PID:        pid,
		Timestamp:  time.Unix(int64(ts), 0),
		AgeSeconds: age.Seconds(),
	}
}
