// Package lock holds the coordination primitives NudgePipe relies on: the
// state-directory instance lock, the sweep guards that keep two trigger runs
// from overlapping, and the per-patient mutex used inside a sweep.
package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// InstanceFileName is the lock file created in the state directory.
const InstanceFileName = "nudgepipe.lock"

// Instance is a held state-directory lock. The flock is released by the kernel
// if the process dies, so a crashed scheduler never blocks its replacement.
type Instance struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireInstance takes the exclusive lock on stateDir, creating it if needed.
// addr is recorded in the lock file so a conflicting start can say who holds it.
func AcquireInstance(stateDir, addr string) (*Instance, error) {
	lockPath := filepath.Join(stateDir, InstanceFileName)
	slog.Debug("lock.AcquireInstance: acquiring", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("lock.AcquireInstance: state directory is held by another NudgePipe", "lock_path", lockPath, "holder", holder)
		return nil, &InstanceError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// Truncate only after the flock is ours so a losing start never wipes the holder's info.
	info := formatHolderInfo(os.Getpid(), time.Now().UTC(), addr)
	if err := writeHolderInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lock.AcquireInstance: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Info("lock.AcquireInstance: acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Instance{file: file, path: lockPath, acquired: true}, nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Instance) Release() error {
	if l == nil || !l.acquired || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lock.Instance.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lock.Instance.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lock.Instance.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.acquired = false
	l.file = nil
	slog.Info("lock.Instance.Release: released", "lock_path", l.path)
	return nil
}

// InstanceError reports a state directory already held by another process.
type InstanceError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *InstanceError) Error() string {
	msg := fmt.Sprintf("another NudgePipe instance is already using this state directory (lock file: %s)", e.LockPath)
	if e.Holder != "" {
		msg += "; holder: " + e.Holder
	}
	msg += fmt.Sprintf(". Running two schedulers against one store sends duplicate reminders; if the holder is gone, remove %s", e.LockPath)
	return msg
}

func (e *InstanceError) Unwrap() error {
	return e.Cause
}

func formatHolderInfo(pid int, startedAt time.Time, addr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", pid)
	fmt.Fprintf(&b, "started_at=%s\n", startedAt.Format(time.RFC3339))
	if addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", addr)
	}
	return b.String()
}

func writeHolderInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := file.WriteAt([]byte(info), 0)
	return err
}

// parseHolderInfo reads the key=value lines written by formatHolderInfo.
func parseHolderInfo(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	return fields
}

func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown (lock file unreadable)"
	}
	fields := parseHolderInfo(string(data))
	pid, err := strconv.Atoi(fields["pid"])
	if err != nil || pid <= 0 {
		return "unknown"
	}
	state := "running"
	if !processAlive(pid) {
		state = "not running"
	}
	desc := fmt.Sprintf("PID %d (%s)", pid, state)
	if addr := fields["addr"]; addr != "" {
		desc += " serving " + addr
	}
	if started := fields["started_at"]; started != "" {
		desc += " since " + started
	}
	return desc
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
