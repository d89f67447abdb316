// Package snapshot implements the Snapshot Store (spec §4.1 C4): an
// atomic, symlink-aware backup of firewall ruleset, sysctl values, DNS
// config, service states, and the active NetworkManager connection.
//
// save writes everything under "<name>.staging", placing the completion
// marker last, then performs a single atomic rename to "<name>"; any
// previously existing "<name>" is removed post-rename. restore refuses to
// proceed if the completion marker is absent, falling back to safe
// defaults instead (spec Testable Property 1, scenario S6).
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/faults"
)

const completionMarker = ".complete"

// ServiceWatchList is the fixed set of systemd units the Snapshot Store
// captures enabled/active state for, since they are the ones torwall's
// pipeline may stop, start, or otherwise disturb.
var ServiceWatchList = []string{"tor", "NetworkManager", "systemd-resolved"}

// Store is the Snapshot Store. Its dependencies are narrow interfaces so
// it never imports the firewall or dbus packages directly.
type Store struct {
	dir        string
	logger     hclog.Logger
	firewall   FirewallCapturer
	sysctl     SysctlCapturer
	services   ServiceCapturer
	nm         NetworkManagerCapturer
	resolvPath string
	ifaceName  string
}

// Options configures a new Store.
type Options struct {
	Dir        string
	Firewall   FirewallCapturer
	Sysctl     SysctlCapturer
	Services   ServiceCapturer
	NM         NetworkManagerCapturer
	ResolvPath string // defaults to /etc/resolv.conf
	IfaceName  string // egress interface, e.g. "eth0"
}

func NewStore(opts Options, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	resolvPath := opts.ResolvPath
	if resolvPath == "" {
		resolvPath = "/etc/resolv.conf"
	}
	return &Store{
		dir:        opts.Dir,
		logger:     logger.Named("snapshot"),
		firewall:   opts.Firewall,
		sysctl:     opts.Sysctl,
		services:   opts.Services,
		nm:         opts.NM,
		resolvPath: resolvPath,
		ifaceName:  opts.IfaceName,
	}
}

func (s *Store) namePath(name string) string    { return filepath.Join(s.dir, name) }
func (s *Store) stagingPath(name string) string { return filepath.Join(s.dir, name+".staging") }

// IsValid reports whether a complete (marker present) snapshot named name
// exists.
func (s *Store) IsValid(name string) bool {
	_, err := os.Stat(filepath.Join(s.namePath(name), completionMarker))
	return err == nil
}

// Save captures full host state under name. If name is "initial" and a
// valid snapshot already exists, Save is a no-op (spec §4.1).
func (s *Store) Save(ctx context.Context, name string) error {
	if name == "initial" && s.IsValid(name) {
		s.logger.Info("initial snapshot already present; skipping", "name", name)
		return nil
	}

	staging := s.stagingPath(name)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("snapshot: clear stale staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir staging: %w", err)
	}

	snap := Snapshot{Name: name, IfaceName: s.ifaceName}

	// Firewall ruleset.
	if s.firewall != nil {
		blob, err := withTimeout(ctx, func(ctx context.Context) (FirewallBlob, error) {
			return s.firewall.CaptureRuleset(ctx)
		})
		if err != nil {
			return fmt.Errorf("snapshot: capture firewall: %w", err)
		}
		snap.FirewallRuleset = blob
		if err := writeFirewallBlob(staging, blob); err != nil {
			return err
		}
	}

	// Sysctl values.
	if s.sysctl != nil {
		keys := sysctlKeys()
		snap.SysctlValues = s.sysctl.CaptureKeys(ctx, keys)
		if err := writeSysctlValues(staging, snap.SysctlValues); err != nil {
			return err
		}
	}

	// DNS (symlink-aware).
	resolv, err := captureResolv(s.resolvPath)
	if err != nil {
		s.logger.Warn("resolv capture degraded to UNKNOWN", "error", err)
		resolv = ResolvRecord{Content: config.UnknownSentinel}
	}
	snap.Resolv = resolv
	if err := writeResolv(staging, resolv); err != nil {
		return err
	}

	// Service states.
	if s.services != nil {
		snap.ServiceStates = make(map[string]ServiceState, len(ServiceWatchList))
		for _, svc := range ServiceWatchList {
			st := s.services.CaptureService(ctx, svc)
			snap.ServiceStates[svc] = st
			if err := writeServiceState(staging, svc, st); err != nil {
				return err
			}
		}
	}

	// NetworkManager active connection.
	if s.nm != nil {
		active, err := withTimeout(ctx, func(ctx context.Context) (string, error) {
			return s.nm.ActiveConnection(ctx)
		})
		if err != nil {
			s.logger.Warn("nm active connection capture timed out", "error", err)
			active = config.UnknownSentinel
		}
		snap.NMActive = active
		if err := os.MkdirAll(filepath.Join(staging, "network"), 0o700); err != nil {
			return fmt.Errorf("snapshot: mkdir network dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(staging, "network", "nm_active"), []byte(active), 0o600); err != nil {
			return fmt.Errorf("snapshot: write nm_active: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(staging, "interface"), []byte(s.ifaceName), 0o600); err != nil {
		return fmt.Errorf("snapshot: write interface: %w", err)
	}

	// Completion marker last, then atomic rename.
	if err := os.WriteFile(filepath.Join(staging, completionMarker), []byte(time.Now().UTC().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("snapshot: write completion marker: %w", err)
	}

	final := s.namePath(name)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("snapshot: clear prior final: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("snapshot: rename staging to final: %w", err)
	}

	s.logger.Info("snapshot saved", "name", name)
	return nil
}

// Restore reverses Save's capture in the fixed order mandated by spec
// §4.1: firewall -> DNS -> sysctl -> NM active connection -> service
// states -> IPv6 re-enable (skipped when the snapshot recorded
// net.ipv6.conf.all.disable_ipv6 as 1) -> connection-manager restart. If the named
// snapshot is missing its completion marker, it falls back to safe
// defaults instead of reading partial data.
func (s *Store) Restore(ctx context.Context, name string) error {
	if !s.IsValid(name) {
		s.logger.Warn("snapshot invalid or absent; restoring safe defaults", "name", name)
		return s.restoreSafeDefaults(ctx)
	}

	dir := s.namePath(name)
	var errs []error

	if s.firewall != nil {
		blob, err := readFirewallBlob(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("read firewall blob: %w", err))
		} else if err := s.firewall.RestoreRuleset(ctx, blob); err != nil {
			errs = append(errs, fmt.Errorf("restore firewall: %w", err))
		}
	}

	resolv, err := readResolv(dir)
	if err != nil {
		errs = append(errs, fmt.Errorf("read resolv record: %w", err))
	} else if err := restoreResolv(s.resolvPath, resolv); err != nil {
		errs = append(errs, fmt.Errorf("restore resolv: %w", err))
	}

	ipv6WasDisabled := false
	if s.sysctl != nil {
		values, err := readSysctlValues(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("read sysctl values: %w", err))
		} else {
			s.sysctl.RestoreKeys(ctx, values)
			ipv6WasDisabled = values["net.ipv6.conf.all.disable_ipv6"] == "1"
		}
	}

	if s.nm != nil {
		active, err := os.ReadFile(filepath.Join(dir, "network", "nm_active"))
		if err == nil && string(active) != "" && string(active) != config.UnknownSentinel {
			if err := s.nm.ActivateConnection(ctx, string(active)); err != nil {
				errs = append(errs, fmt.Errorf("restore nm active connection: %w", err))
			}
		}
	}

	if s.services != nil {
		for _, svc := range ServiceWatchList {
			st, err := readServiceState(dir, svc)
			if err != nil {
				continue
			}
			if err := s.services.RestoreService(ctx, svc, st); err != nil {
				errs = append(errs, fmt.Errorf("restore service %s: %w", svc, err))
			}
		}
	}

	if s.sysctl != nil && !ipv6WasDisabled {
		if err := s.sysctl.EnableIPv6(ctx); err != nil {
			errs = append(errs, fmt.Errorf("re-enable ipv6: %w", err))
		}
	}

	if s.nm != nil {
		if err := s.nm.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart network manager: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("snapshot: restore completed with %d error(s): %v", len(errs), errs)
	}
	s.logger.Info("snapshot restored", "name", name)
	return nil
}

// restoreSafeDefaults is the fallback path spec §4.1 mandates when no
// valid snapshot exists: flush anonwall-specific chains/tables only,
// re-enable IPv6, clear the immutable flag on resolv.conf, restart the
// connection manager.
func (s *Store) restoreSafeDefaults(ctx context.Context) error {
	var errs []error
	if s.firewall != nil {
		if err := s.firewall.FlushAnonTables(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush anon tables: %w", err))
		}
	}
	if s.sysctl != nil {
		if err := s.sysctl.EnableIPv6(ctx); err != nil {
			errs = append(errs, fmt.Errorf("re-enable ipv6: %w", err))
		}
	}
	if err := clearImmutable(s.resolvPath); err != nil {
		errs = append(errs, fmt.Errorf("clear resolv immutable flag: %w", err))
	}
	if s.nm != nil {
		if err := s.nm.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart network manager: %w", err))
		}
	}
	if len(errs) > 0 {
		return faults.SnapshotInvalid(fmt.Sprintf("%d safe-default step(s) failed: %v", len(errs), errs))
	}
	return faults.New(faults.KindSnapshotInvalid, "investigate why the initial snapshot is missing before re-enabling",
		fmt.Errorf("no valid snapshot; safe defaults applied"))
}

// withTimeout runs fn bounded by config.SyscallTimeout, returning the
// UNKNOWN sentinel semantics to the caller as an error so it can decide
// whether to store config.UnknownSentinel.
func withTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, config.SyscallTimeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, faults.Transient("capture exceeded 2s bound")
	}
}

func sysctlKeys() []string {
	keys := make([]string, 0, len(config.SysctlMatrix)+len(config.IPv6DisableMatrix))
	for _, e := range config.SysctlMatrix {
		keys = append(keys, e.Key)
	}
	for _, e := range config.IPv6DisableMatrix {
		keys = append(keys, e.Key)
	}
	return keys
}

func flattenKey(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func writeSysctlValues(dir string, values map[string]string) error {
	sdir := filepath.Join(dir, "sysctl")
	if err := os.MkdirAll(sdir, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir sysctl dir: %w", err)
	}
	for key, val := range values {
		p := filepath.Join(sdir, flattenKey(key)+".val")
		if err := os.WriteFile(p, []byte(val), 0o600); err != nil {
			return fmt.Errorf("snapshot: write sysctl %s: %w", key, err)
		}
	}
	return nil
}

func readSysctlValues(dir string) (map[string]string, error) {
	sdir := filepath.Join(dir, "sysctl")
	entries, err := os.ReadDir(sdir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	// flattenKey is not reversible (keys contain '_' too), so map file
	// names back through the known key set.
	known := make(map[string]string)
	for _, k := range sysctlKeys() {
		known[flattenKey(k)] = k
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".val") {
			continue
		}
		key, ok := known[strings.TrimSuffix(e.Name(), ".val")]
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sdir, e.Name()))
		if err != nil {
			continue
		}
		out[key] = string(data)
	}
	return out, nil
}

func writeFirewallBlob(dir string, blob FirewallBlob) error {
	fdir := filepath.Join(dir, "firewall")
	if err := os.MkdirAll(fdir, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir firewall dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(fdir, "backend"), []byte(blob.Backend), 0o600); err != nil {
		return err
	}
	writes := map[string]string{
		"modern.nft": blob.Modern,
		"legacy.v4":  blob.LegacyV4,
		"legacy.v6":  blob.LegacyV6,
		"legacy.set": blob.LegacySet,
	}
	for name, content := range writes {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(fdir, name), []byte(content), 0o600); err != nil {
			return fmt.Errorf("snapshot: write firewall %s: %w", name, err)
		}
	}
	return nil
}

func readFirewallBlob(dir string) (FirewallBlob, error) {
	fdir := filepath.Join(dir, "firewall")
	backend, _ := os.ReadFile(filepath.Join(fdir, "backend"))
	blob := FirewallBlob{Backend: string(backend)}
	if b, err := os.ReadFile(filepath.Join(fdir, "modern.nft")); err == nil {
		blob.Modern = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(fdir, "legacy.v4")); err == nil {
		blob.LegacyV4 = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(fdir, "legacy.v6")); err == nil {
		blob.LegacyV6 = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(fdir, "legacy.set")); err == nil {
		blob.LegacySet = string(b)
	}
	return blob, nil
}

func writeServiceState(dir, svc string, st ServiceState) error {
	sdir := filepath.Join(dir, "systemd")
	if err := os.MkdirAll(sdir, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir systemd dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sdir, svc+".enabled"), []byte(st.Enabled), 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sdir, svc+".active"), []byte(st.Active), 0o600)
}

func readServiceState(dir, svc string) (ServiceState, error) {
	sdir := filepath.Join(dir, "systemd")
	enabled, err := os.ReadFile(filepath.Join(sdir, svc+".enabled"))
	if err != nil {
		return ServiceState{}, err
	}
	active, err := os.ReadFile(filepath.Join(sdir, svc+".active"))
	if err != nil {
		return ServiceState{}, err
	}
	return ServiceState{Enabled: string(enabled), Active: string(active)}, nil
}
