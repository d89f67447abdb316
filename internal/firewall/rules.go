// Package firewall implements the Firewall Engine (spec §4.2, C7): a
// dual-backend killswitch compiled from one backend-independent
// KillswitchRules specification, selected once by the Capability Probe
// and never switched at runtime.
package firewall

import (
	"context"

	"github.com/torwall/torwall/internal/config"
)

// TorEndpoint is the in-namespace Tor instance's bound ports.
type TorEndpoint struct {
	Address     string
	DNSPort     int
	TransPort   int
	SocksPort   int
	ControlPort int
}

// KillswitchRules is the backend-independent specification each concrete
// backend compiles into its own rule language (spec §3 KillswitchRules).
type KillswitchRules struct {
	TorUID       int
	EgressIface  string
	NSSubnet     string
	TorEndpoint  TorEndpoint
	DoHBlocklist []string // IPs rejected on 443/853
	WebRTCUDP    []int
	WebRTCTCP    []int
}

// DefaultRules builds the KillswitchRules for the fixed topology in
// internal/config, parameterized only by the values the Capability
// Probe and orchestration context must supply: the Tor user's uid, the
// host's egress interface, and the DoH resolver IPs to reject.
func DefaultRules(torUID int, egressIface string, dohBlocklist []string) KillswitchRules {
	return KillswitchRules{
		TorUID:      torUID,
		EgressIface: egressIface,
		NSSubnet:    config.SubnetCIDR,
		TorEndpoint: TorEndpoint{
			Address:     config.TorIP,
			DNSPort:     config.TorDNSPort,
			TransPort:   config.TorTransPort,
			SocksPort:   config.TorSocksPort,
			ControlPort: config.TorControlPort,
		},
		DoHBlocklist: dohBlocklist,
		WebRTCUDP:    config.WebRTCUDPPorts,
		WebRTCTCP:    config.WebRTCTCPPorts,
	}
}

// Backend is implemented by internal/firewall/nft and
// internal/firewall/legacy. engage(rules) first disengages so repeated
// calls converge (spec §4.2 idempotence); disengage must succeed even
// when rules are already absent.
type Backend interface {
	Engage(ctx context.Context, rules KillswitchRules) error
	Disengage(ctx context.Context) error
	IsActive(ctx context.Context) bool

	// CaptureRuleset/RestoreRuleset/FlushAnonTables satisfy
	// snapshot.FirewallCapturer without this package importing
	// internal/snapshot (the dependency runs the other way: cmd/torwall
	// wires the Engine into a snapshot.Store through an adapter).
	CaptureRuleset(ctx context.Context) (Blob, error)
	RestoreRuleset(ctx context.Context, blob Blob) error
	FlushAnonTables(ctx context.Context) error
}

// Blob mirrors snapshot.FirewallBlob's shape locally so this package
// doesn't import internal/snapshot; cmd/torwall's snapshotFirewall adapter
// converts between the two identically-shaped types at the wiring boundary.
type Blob struct {
	Backend   string
	Modern    string
	LegacyV4  string
	LegacyV6  string
	LegacySet string
}

// Engine is the backend-agnostic façade the orchestrator calls; which
// concrete Backend it wraps was decided once by the Capability Probe.
type Engine struct {
	backend     Backend
	backendName string
}

func NewEngine(name string, backend Backend) *Engine {
	return &Engine{backend: backend, backendName: name}
}

func (e *Engine) Engage(ctx context.Context, rules KillswitchRules) error {
	return e.backend.Engage(ctx, rules)
}

func (e *Engine) Disengage(ctx context.Context) error {
	return e.backend.Disengage(ctx)
}

func (e *Engine) IsActive(ctx context.Context) bool {
	return e.backend.IsActive(ctx)
}

func (e *Engine) CaptureRuleset(ctx context.Context) (Blob, error) {
	blob, err := e.backend.CaptureRuleset(ctx)
	if err != nil {
		return Blob{}, err
	}
	blob.Backend = e.backendName
	return blob, nil
}

func (e *Engine) RestoreRuleset(ctx context.Context, blob Blob) error {
	return e.backend.RestoreRuleset(ctx, blob)
}

func (e *Engine) FlushAnonTables(ctx context.Context) error {
	return e.backend.FlushAnonTables(ctx)
}
