// Package lifecycle implements the single-instance lock and signal-driven
// cleanup described in spec §4.5/§5/§9 (C3 Lock & Lifecycle): a PID file
// acquired at startup, reaping stale entries, and a scoped-acquisition
// compensation discipline so every resource the orchestrator acquires is
// paired with an inverse that runs on every exit path.
package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/faults"
)

// Lock is a single-file, PID-only lock (spec §6: "Lock file: PID only,
// mode 0600"). Only the holder may mutate system state (spec §5).
type Lock struct {
	path string
}

// Acquire takes the lock at path, reaping a stale entry (recorded pid no
// longer live) before failing with faults.LockContention.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(parentDir(path), 0o700); err != nil {
		return nil, fmt.Errorf("lifecycle: mkdir lock dir: %w", err)
	}

	if pid, ok := readPID(path); ok {
		if processAlive(pid) {
			return nil, faults.LockContention(fmt.Sprintf("pid %d is still running", pid))
		}
		// Stale: reap it.
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with another process between the stale check and
			// here; treat as contention rather than clobbering it.
			return nil, faults.LockContention("lock file appeared concurrently")
		}
		return nil, fmt.Errorf("lifecycle: create lock: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("lifecycle: write lock: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: release lock: %w", err)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 is the standard
	// liveness probe and performs no action on the target.
	return proc.Signal(syscall.Signal(0)) == nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// CompensationStack is the scoped-acquisition discipline from Design
// Notes §9: every successful step pushes its inverse; Unwind runs them in
// strict reverse order on any exit path (normal, error, or signal).
type CompensationStack struct {
	mu      sync.Mutex
	actions []namedAction
	logger  hclog.Logger
}

type namedAction struct {
	name string
	fn   func() error
}

func NewCompensationStack(logger hclog.Logger) *CompensationStack {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CompensationStack{logger: logger.Named("compensation")}
}

// Push records inverse, to be run by Unwind in reverse order of pushing.
func (c *CompensationStack) Push(name string, inverse func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, namedAction{name: name, fn: inverse})
}

// Unwind runs every pushed inverse in strict reverse order, continuing
// past individual failures (logging them) so a single bad compensation
// doesn't prevent the rest of the teardown from running.
func (c *CompensationStack) Unwind() []error {
	c.mu.Lock()
	actions := c.actions
	c.actions = nil
	c.mu.Unlock()

	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if err := a.fn(); err != nil {
			c.logger.Error("compensation step failed", "step", a.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
		}
	}
	return errs
}

// Len reports how many compensations are pending (used by tests).
func (c *CompensationStack) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}
