// Package statestore implements the State Store (spec §4 C2 / data model
// RuntimeState): validated, atomic persistence of the cross-invocation
// runtime state. Every key must match a fixed validation pattern;
// unrecognized keys are ignored and invalid values leave the in-memory
// default untouched (spec Testable Property 4 / scenario S5).
package statestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Mode mirrors RuntimeState.mode's enumeration.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeExtreme Mode = "extreme"
	ModePartial Mode = "partial"
)

// DistroFamily and FirewallBackend are persisted as plain strings; the
// capability package owns their authoritative enumeration, this package
// only round-trips whatever string it's given through validation.
type State struct {
	AnonymityActive bool
	Mode            Mode
	Profile         string
	MonitorHandle   string // opaque pid string, "" if none
	DistroFamily    string
	FirewallBackend string
	Version         string
}

// Default returns the zero-value runtime state: inactive, mode none,
// profile "default".
func Default() State {
	return State{
		AnonymityActive: false,
		Mode:            ModeNone,
		Profile:         "default",
		Version:         "1",
	}
}

var keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// validators maps each recognized key to a function that reports whether
// a candidate value is acceptable. Keys absent from this map are ignored
// entirely on load, per spec's "unrecognized keys are ignored".
var validators = map[string]func(string) bool{
	"ANONYMITY_ACTIVE": func(v string) bool { return v == "true" || v == "false" },
	"CURRENT_MODE":     func(v string) bool { return v == "none" || v == "extreme" || v == "partial" },
	"PROFILE":          func(v string) bool { return profilePattern.MatchString(v) },
	"MONITOR_HANDLE":   func(v string) bool { return v == "" || pidPattern.MatchString(v) },
	"DISTRO_FAMILY":    func(v string) bool { return identPattern.MatchString(v) },
	"FIREWALL_BACKEND": func(v string) bool { return identPattern.MatchString(v) },
	"VERSION":          func(v string) bool { return versionPattern.MatchString(v) },
}

var (
	profilePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	pidPattern     = regexp.MustCompile(`^[0-9]{1,10}$`)
	identPattern   = regexp.MustCompile(`^[a-z_]{1,32}$`)
	versionPattern = regexp.MustCompile(`^[0-9]{1,8}$`)
)

// Path returns the canonical state file location under root.
func Path(root string) string {
	return filepath.Join(root, "state")
}

// Load reads the state file at path, starting from Default() and applying
// only lines whose key is recognized and whose value validates. A
// malformed line, an injection attempt embedded in a value (spec Testable
// Property 4's `CURRENT_MODE=$(rm -rf /)` case), or a missing file all
// leave the corresponding field at its default/prior value rather than
// erroring — the state file is best-effort input, never trusted code.
func Load(path string) (State, error) {
	s := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		if !keyPattern.MatchString(key) {
			continue
		}
		validate, known := validators[key]
		if !known || !validate(val) {
			continue
		}
		applyField(&s, key, val)
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("statestore: scan %s: %w", path, err)
	}
	return s, nil
}

func applyField(s *State, key, val string) {
	switch key {
	case "ANONYMITY_ACTIVE":
		s.AnonymityActive = val == "true"
	case "CURRENT_MODE":
		s.Mode = Mode(val)
	case "PROFILE":
		s.Profile = val
	case "MONITOR_HANDLE":
		s.MonitorHandle = val
	case "DISTRO_FAMILY":
		s.DistroFamily = val
	case "FIREWALL_BACKEND":
		s.FirewallBackend = val
	case "VERSION":
		s.Version = val
	}
}

// Save writes s atomically: write-temp-then-rename, mode 0600 (owner
// read/write only), per spec's RuntimeState invariants.
func Save(path string, s State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("statestore: mkdir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ANONYMITY_ACTIVE=%s\n", strconv.FormatBool(s.AnonymityActive))
	fmt.Fprintf(&b, "CURRENT_MODE=%s\n", s.Mode)
	fmt.Fprintf(&b, "PROFILE=%s\n", s.Profile)
	fmt.Fprintf(&b, "MONITOR_HANDLE=%s\n", s.MonitorHandle)
	fmt.Fprintf(&b, "DISTRO_FAMILY=%s\n", s.DistroFamily)
	fmt.Fprintf(&b, "FIREWALL_BACKEND=%s\n", s.FirewallBackend)
	fmt.Fprintf(&b, "VERSION=%s\n", s.Version)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: chmod temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}
