// Package capability implements the Capability Probe (spec §4 C1): it
// detects the distribution family, package manager, firewall backend, Tor
// user, Tor data directory, and the kernel features torwall depends on.
// The probe runs once at startup; its result is never re-probed mid-run
// (spec §4.2: "the choice is made once... and never switched at runtime").
package capability

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/executil"
	"github.com/torwall/torwall/internal/faults"
)

// DistroFamily is a tagged variant over the recognized Linux families
// (Design Notes §9: "represent as a sum type with exactly the recognized
// alternatives").
type DistroFamily string

const (
	DistroDebian  DistroFamily = "debian"
	DistroArch    DistroFamily = "arch"
	DistroRHEL    DistroFamily = "rhel"
	DistroUnknown DistroFamily = "unknown"
)

// FirewallBackend is the compiled-rule-builder variant selected once by
// the probe and threaded through the rest of the pipeline.
type FirewallBackend string

const (
	BackendModern    FirewallBackend = "modern"    // nftables
	BackendLegacy    FirewallBackend = "legacy"    // iptables-nft or iptables
	BackendLegacyAlt FirewallBackend = "legacy_alt" // iptables-legacy
	BackendNone      FirewallBackend = "unknown"
)

// Capabilities is the full probe result, passed by reference into the
// single orchestration context (Design Notes §9).
type Capabilities struct {
	Distro          DistroFamily
	PackageManager  string
	FirewallBackend FirewallBackend
	TorUser         string
	TorDataDir      string
	HasNFTables     bool
	HasIPTables     bool
	HasIP6Tables    bool
	HasNetworkMgr   bool
	HasSystemd      bool
	IsRoot          bool
}

// Probe runs every detection step. It never blocks indefinitely: each
// filesystem check is a single stat/read, and external tool checks use
// exec.LookPath, both inherently bounded.
func Probe(ctx context.Context, logger hclog.Logger) (*Capabilities, error) {
	logger = logger.Named("capability")

	caps := &Capabilities{
		IsRoot:     os.Geteuid() == 0,
		TorUser:    "debian-tor",
		TorDataDir: "/var/lib/tor",
	}

	if !caps.IsRoot {
		return nil, faults.Permission("capability probe requires root to inspect /etc, /proc, and package state")
	}

	caps.Distro, caps.PackageManager = detectDistro()
	if caps.Distro == DistroUnknown {
		logger.Warn("unrecognized distro family; falling back to generic detection")
	}

	caps.HasNFTables = executil.LookPath("nft") && dirExists("/sys/module/nf_tables")
	caps.HasIPTables = executil.LookPath("iptables")
	caps.HasIP6Tables = executil.LookPath("ip6tables")
	caps.HasSystemd = dirExists("/run/systemd/system")
	caps.HasNetworkMgr = executil.LookPath("nmcli") || dirExists("/etc/NetworkManager")

	switch {
	case caps.HasNFTables:
		caps.FirewallBackend = BackendModern
	case caps.HasIPTables && isLegacyVariant():
		caps.FirewallBackend = BackendLegacyAlt
	case caps.HasIPTables:
		caps.FirewallBackend = BackendLegacy
	default:
		caps.FirewallBackend = BackendNone
	}

	if caps.FirewallBackend == BackendNone {
		return nil, faults.UnsupportedHost("no usable firewall backend (nftables or iptables) found")
	}

	switch caps.PackageManager {
	case "pacman":
		caps.TorUser = "tor"
	case "dnf", "yum":
		caps.TorUser = "toranon"
	}
	if dirExists("/var/lib/tor-anon") {
		caps.TorDataDir = "/var/lib/tor-anon"
	}

	logger.Info("capability probe complete",
		"distro", caps.Distro, "pkgmgr", caps.PackageManager,
		"firewall", caps.FirewallBackend, "tor_user", caps.TorUser)
	return caps, nil
}

// detectDistro reads /etc/os-release's ID and ID_LIKE fields, which is the
// canonical freedesktop.org mechanism every major distro populates.
func detectDistro() (DistroFamily, string) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return DistroUnknown, ""
	}
	fields := parseOSRelease(string(data))
	id := fields["ID"]
	like := fields["ID_LIKE"]

	switch {
	case contains(id, like, "debian", "ubuntu"):
		return DistroDebian, "apt"
	case contains(id, like, "arch", "manjaro"):
		return DistroArch, "pacman"
	case contains(id, like, "rhel", "fedora", "centos"):
		return DistroRHEL, pickDNFOrYum()
	default:
		return DistroUnknown, ""
	}
}

func pickDNFOrYum() string {
	if executil.LookPath("dnf") {
		return "dnf"
	}
	return "yum"
}

func contains(id, like string, want ...string) bool {
	hay := id + " " + like
	for _, w := range want {
		if strings.Contains(hay, w) {
			return true
		}
	}
	return false
}

func parseOSRelease(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// isLegacyVariant distinguishes iptables-legacy from the nft-backed
// iptables compatibility shim by checking for the legacy-suffixed binary,
// which only exists on hosts that still ship the original implementation.
func isLegacyVariant() bool {
	return executil.LookPath("iptables-legacy") && !executil.LookPath("iptables-nft")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
