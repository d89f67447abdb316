package snapshot

import "context"

// FirewallBlob is the backend-specific serialized ruleset captured by the
// Firewall Engine (spec §4.1: "backend-specific: for the modern backend,
// the full declarative ruleset; for the legacy backend, three saved
// streams (v4, v6, set state)").
type FirewallBlob struct {
	Backend  string
	Modern   string // `nft list ruleset` output
	LegacyV4 string // `iptables-save`
	LegacyV6 string // `ip6tables-save`
	LegacySet string // `ipset save`
}

// ResolvRecord is the symlink-aware capture of /etc/resolv.conf (spec §3
// Snapshot.resolv variant).
type ResolvRecord struct {
	IsSymlink      bool
	AbsoluteTarget string
	RelativeTarget string
	Content        string
	Immutable      bool
}

// ServiceState mirrors spec §3's service_states value pair.
type ServiceState struct {
	Enabled string // "enabled" | "disabled" | "not-found"
	Active  string // "active" | "inactive"
}

// Snapshot is the full, named, on-disk record described in spec §3.
type Snapshot struct {
	Name            string
	FirewallRuleset FirewallBlob
	SysctlValues    map[string]string
	Resolv          ResolvRecord
	ServiceStates   map[string]ServiceState
	NMActive        string
	IfaceName       string
}

// FirewallCapturer is implemented by the Firewall Engine so the Snapshot
// Store can capture/restore a ruleset without depending on either backend
// package directly.
type FirewallCapturer interface {
	CaptureRuleset(ctx context.Context) (FirewallBlob, error)
	RestoreRuleset(ctx context.Context, blob FirewallBlob) error
	FlushAnonTables(ctx context.Context) error
}

// SysctlCapturer is implemented by the sysctl package.
type SysctlCapturer interface {
	CaptureKeys(ctx context.Context, keys []string) map[string]string
	RestoreKeys(ctx context.Context, values map[string]string)
	EnableIPv6(ctx context.Context) error
}

// ServiceCapturer captures/restores systemd unit enabled/active state,
// implemented over coreos/go-systemd/v22/dbus.
type ServiceCapturer interface {
	CaptureService(ctx context.Context, name string) ServiceState
	RestoreService(ctx context.Context, name string, state ServiceState) error
}

// NetworkManagerCapturer captures/restores the active NM connection and
// can restart the NetworkManager service, implemented over godbus/dbus/v5
// and go-systemd/v22/dbus respectively.
type NetworkManagerCapturer interface {
	ActiveConnection(ctx context.Context) (string, error)
	ActivateConnection(ctx context.Context, id string) error
	Restart(ctx context.Context) error
}
