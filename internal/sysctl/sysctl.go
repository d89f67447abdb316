// Package sysctl implements Sysctl Hardening & IPv6 (spec §4's C9): apply
// and restore the fixed key/value hardening matrix, and enable/disable
// the IPv6 stack independently of it. Sysctl application is direct
// os.WriteFile to /proc/sys paths — the kernel interface *is* the
// filesystem here, so no third-party library adds anything (SPEC_FULL.md
// §3 stdlib-justified concerns).
package sysctl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/faults"
)

// Manager applies/restores sysctl keys and toggles IPv6.
type Manager struct {
	logger hclog.Logger
}

func New(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{logger: logger.Named("sysctl")}
}

func keyToPath(key string) string {
	return "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
}

// ApplyHardeningMatrix applies config.SysctlMatrix. Transient faults on
// individual writes are logged as warnings and do not abort hardening
// (spec §7); the caller decides whether any failures are significant.
func (m *Manager) ApplyHardeningMatrix(ctx context.Context) []error {
	return m.apply(ctx, config.SysctlMatrix)
}

func (m *Manager) apply(ctx context.Context, entries []config.SysctlEntry) []error {
	var errs []error
	for _, e := range entries {
		if err := writeBounded(ctx, keyToPath(e.Key), e.Value); err != nil {
			m.logger.Warn("sysctl write failed", "key", e.Key, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Key, err))
		}
	}
	return errs
}

// DisableIPv6 applies config.IPv6DisableMatrix.
func (m *Manager) DisableIPv6(ctx context.Context) error {
	errs := m.apply(ctx, config.IPv6DisableMatrix)
	if len(errs) > 0 {
		return faults.StepFault(fmt.Sprintf("%d ipv6-disable write(s) failed", len(errs)))
	}
	return nil
}

// EnableIPv6 restores config.IPv6DisableMatrix's keys to the disabled=0
// state, satisfying snapshot.SysctlCapturer's EnableIPv6 contract used
// by the safe-defaults restore path.
func (m *Manager) EnableIPv6(ctx context.Context) error {
	restored := make([]config.SysctlEntry, 0, len(config.IPv6DisableMatrix))
	for _, e := range config.IPv6DisableMatrix {
		val := "0"
		if strings.Contains(e.Key, "accept_ra") || strings.Contains(e.Key, "autoconf") {
			val = "1"
		}
		restored = append(restored, config.SysctlEntry{Key: e.Key, Value: val})
	}
	errs := m.apply(ctx, restored)
	if len(errs) > 0 {
		return faults.StepFault(fmt.Sprintf("%d ipv6-enable write(s) failed", len(errs)))
	}
	return nil
}

// CaptureKeys reads the current value of each key, timeout-guarded at
// config.SyscallTimeout; a key that can't be read within the bound is
// recorded as config.UnknownSentinel so restore knows to skip it (spec
// §4.1).
func (m *Manager) CaptureKeys(ctx context.Context, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		val, err := readBounded(ctx, keyToPath(key))
		if err != nil {
			out[key] = config.UnknownSentinel
			continue
		}
		out[key] = val
	}
	return out
}

// RestoreKeys writes back previously captured values, skipping any key
// whose captured value is the UNKNOWN sentinel.
func (m *Manager) RestoreKeys(ctx context.Context, values map[string]string) {
	for key, val := range values {
		if val == config.UnknownSentinel {
			continue
		}
		if err := writeBounded(ctx, keyToPath(key), val); err != nil {
			m.logger.Warn("sysctl restore write failed", "key", key, "error", err)
		}
	}
}

func writeBounded(ctx context.Context, path, value string) error {
	ctx, cancel := context.WithTimeout(ctx, config.SyscallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- os.WriteFile(path, []byte(value), 0o644) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return faults.Transient(fmt.Sprintf("write %s exceeded %s", path, config.SyscallTimeout))
	}
}

func readBounded(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, config.SyscallTimeout)
	defer cancel()

	type result struct {
		val string
		err error
	}
	done := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- result{strings.TrimSpace(string(data)), err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return "", faults.Transient(fmt.Sprintf("read %s exceeded %s", path, config.SyscallTimeout))
	}
}
