// Package config holds the literal constants that define torwall's
// isolation fabric and hardening matrix (spec §3 NamespaceTopology, §6).
// These are configuration, not runtime state: they must not change across
// invocations while the system is active, so they are Go constants rather
// than fields on a mutable struct.
package config

import "time"

// Namespace / veth topology. Bit-exact per spec §6.
const (
	NamespaceName = "anonspace"
	VethHost      = "veth_host"
	VethNS        = "veth_tor"
	TorIP         = "10.200.1.1"
	HostIP        = "10.200.1.2"
	SubnetCIDR    = "10.200.1.0/24"
)

// Tor port bindings inside the namespace. Bit-exact per spec §6.
const (
	TorSocksPort   = 9050
	TorControlPort = 9051
	TorDNSPort     = 5353
	TorTransPort   = 9040
)

// Timeouts used throughout the pipeline (spec §5).
const (
	SyscallTimeout      = 2 * time.Second
	TorLivenessDelay    = 2 * time.Second
	BootstrapPollPeriod = 2 * time.Second
	BootstrapTimeout    = 180 * time.Second
	TorStopGrace        = 5 * time.Second
	NamespaceKillGrace  = 1 * time.Second
	WatchdogPeriod      = 30 * time.Second
)

// WebRTC STUN/TURN ports to drop (spec §4.2).
var (
	WebRTCUDPPorts = []int{3478, 5349, 19302}
	WebRTCTCPPorts = []int{3478, 5349}
)

// DoHPorts are the ports on which known DoH resolvers are rejected outright.
var DoHPorts = []int{443, 853}

// SysctlEntry is one row of the fixed hardening matrix (spec §6).
type SysctlEntry struct {
	Key   string
	Value string
}

// SysctlMatrix is applied verbatim on extreme enable and restored to the
// captured pre-enable values on disable; a key captured as UnknownSentinel
// is left as it is.
// Order matters only for readability; application is independent per key.
var SysctlMatrix = []SysctlEntry{
	{"kernel.kptr_restrict", "2"},
	{"kernel.dmesg_restrict", "1"},
	{"kernel.unprivileged_bpf_disabled", "1"},
	{"net.core.bpf_jit_harden", "2"},
	{"net.ipv4.tcp_timestamps", "0"},
	{"net.ipv4.icmp_echo_ignore_all", "1"},
	{"net.ipv4.conf.all.accept_redirects", "0"},
	{"net.ipv4.conf.default.accept_redirects", "0"},
	{"net.ipv6.conf.all.accept_redirects", "0"},
	{"net.ipv6.conf.default.accept_redirects", "0"},
	{"net.ipv4.conf.all.accept_source_route", "0"},
	{"net.ipv4.conf.default.accept_source_route", "0"},
	{"net.ipv6.conf.all.accept_source_route", "0"},
	{"net.ipv6.conf.default.accept_source_route", "0"},
	{"net.ipv4.tcp_syncookies", "1"},
	{"net.ipv4.conf.all.rp_filter", "1"},
	{"net.ipv4.conf.default.rp_filter", "1"},
	{"net.ipv4.conf.all.send_redirects", "0"},
	{"net.ipv4.conf.default.send_redirects", "0"},
	{"net.ipv4.conf.all.log_martians", "1"},
	{"net.ipv4.conf.default.log_martians", "1"},
}

// IPv6DisableMatrix is applied/restored independently of SysctlMatrix
// because it is applied and reverted even when the partial pipeline
// (which skips SysctlMatrix) was used.
var IPv6DisableMatrix = []SysctlEntry{
	{"net.ipv6.conf.all.disable_ipv6", "1"},
	{"net.ipv6.conf.default.disable_ipv6", "1"},
	{"net.ipv6.conf.all.accept_ra", "0"},
	{"net.ipv6.conf.default.accept_ra", "0"},
	{"net.ipv6.conf.all.autoconf", "0"},
	{"net.ipv6.conf.default.autoconf", "0"},
}

// UnknownSentinel marks a captured value that could not be read within
// SyscallTimeout; restore must skip such keys rather than write garbage.
const UnknownSentinel = "UNKNOWN"

// Root is the configuration root directory, created mode 0700.
var Root = "/etc/torwall"

// TorUser names an unprivileged Tor account; no component reads it. The
// Tor Supervisor runs Tor as the user the Capability Probe selects
// (capability.Capabilities.TorUser).
var TorUser = "tor-anon"
