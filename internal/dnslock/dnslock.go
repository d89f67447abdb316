// Package dnslock implements the DNS Lock (spec §4's C8): redirects
// resolution to loopback and makes the resolver config immutable,
// symlink-safely. The capture/restore half of this concern is shared
// with the Snapshot Store (internal/snapshot owns the symlink-aware
// resolv.conf record, since both need the identical representation);
// this package owns the *engage* side — writing the loopback resolver
// and locking it — plus the watchdog's read-only check.
package dnslock

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

const defaultResolvPath = "/etc/resolv.conf"

// Locker writes a loopback-only resolver config and marks it immutable.
type Locker struct {
	logger     hclog.Logger
	resolvPath string
}

func New(resolvPath string, logger hclog.Logger) *Locker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if resolvPath == "" {
		resolvPath = defaultResolvPath
	}
	return &Locker{logger: logger.Named("dnslock"), resolvPath: resolvPath}
}

// Engage replaces the resolver config with a single loopback nameserver
// line and sets the immutable flag, so nothing on the host — including
// a misbehaving application rewriting resolv.conf directly — can change
// DNS resolution out from under the killswitch. Partial failure (content
// written but immutable flag not yet set) must still leave the orchestrator
// able to invoke emergency restore, which is why Engage doesn't try to
// clean up after itself on error; the Snapshot Store's restore path owns
// undoing a partially-applied lock.
func (l *Locker) Engage() error {
	if err := clearImmutableFlag(l.resolvPath); err != nil {
		l.logger.Debug("no pre-existing immutable flag to clear", "error", err)
	}
	if err := os.Remove(l.resolvPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile(l.resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644); err != nil {
		return err
	}
	return setImmutableFlag(l.resolvPath)
}

// IsLoopback reports whether the resolver config's first nameserver
// entry begins with "127.", the watchdog's DNS invariant check (spec
// §4.6).
func (l *Locker) IsLoopback() bool {
	data, err := os.ReadFile(l.resolvPath)
	if err != nil {
		return false
	}
	return firstNameserverIsLoopback(string(data))
}

func firstNameserverIsLoopback(content string) bool {
	for _, line := range splitLines(content) {
		if len(line) >= len("nameserver ") && line[:len("nameserver ")] == "nameserver " {
			addr := line[len("nameserver "):]
			return len(addr) >= 4 && addr[:4] == "127."
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
