// Package legacy implements the Firewall Engine's legacy backend (spec
// §4.2) over github.com/coreos/go-iptables: the same killswitch
// semantics expressed as iptables/ip6tables rule-sets. The IPv4 filter
// rules live in a dedicated ANONWALL chain hooked from INPUT and OUTPUT,
// so disengage can un-hook idempotently; the NAT rules are appended
// directly to the nat table's OUTPUT and POSTROUTING chains.
package legacy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/executil"
	"github.com/torwall/torwall/internal/firewall"
)

const jumpChain = "ANONWALL"

// Backend is the legacy iptables/ip6tables implementation of
// firewall.Backend.
type Backend struct {
	logger hclog.Logger
	run    *executil.Runner
	v4     *iptables.IPTables
	v6     *iptables.IPTables
}

func New(logger hclog.Logger) (*Backend, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("legacy: open iptables v4: %w", err)
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("legacy: open iptables v6: %w", err)
	}
	return &Backend{logger: logger.Named("firewall.legacy"), run: executil.New(logger), v4: v4, v6: v6}, nil
}

// Engage installs the killswitch rules, disengaging first for
// idempotence (spec §4.2).
func (b *Backend) Engage(ctx context.Context, rules firewall.KillswitchRules) error {
	if err := b.Disengage(ctx); err != nil {
		return fmt.Errorf("legacy: pre-engage disengage: %w", err)
	}

	if err := b.v4.NewChain("filter", jumpChain); err != nil {
		return fmt.Errorf("legacy: create jump chain: %w", err)
	}

	rulespecs := [][]string{
		{"-i", "lo", "-j", "ACCEPT"},
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-m", "owner", "--uid-owner", strconv.Itoa(rules.TorUID), "-j", "ACCEPT"},
		{"-d", rules.NSSubnet, "-j", "ACCEPT"},
		{"-s", rules.NSSubnet, "-j", "ACCEPT"},
	}
	for _, ip := range rules.DoHBlocklist {
		rulespecs = append(rulespecs,
			[]string{"-d", ip, "-p", "tcp", "--dport", "443", "-j", "REJECT", "--reject-with", "tcp-reset"},
			[]string{"-d", ip, "-p", "tcp", "--dport", "853", "-j", "REJECT", "--reject-with", "tcp-reset"},
		)
	}
	for _, p := range rules.WebRTCUDP {
		rulespecs = append(rulespecs, []string{"-p", "udp", "--dport", strconv.Itoa(p), "-j", "DROP"})
	}
	for _, p := range rules.WebRTCTCP {
		rulespecs = append(rulespecs, []string{"-p", "tcp", "--dport", strconv.Itoa(p), "-j", "DROP"})
	}
	rulespecs = append(rulespecs,
		[]string{"-j", "LOG", "--log-prefix", "anonwall-drop: "},
		[]string{"-j", "DROP"},
	)

	for _, spec := range rulespecs {
		if err := b.v4.AppendUnique("filter", jumpChain, spec...); err != nil {
			return fmt.Errorf("legacy: append rule %v: %w", spec, err)
		}
	}

	// Hook OUTPUT and INPUT into the jump chain; default-DROP policy on
	// OUTPUT/INPUT/FORWARD is the killswitch fail-closed posture.
	for _, chain := range []string{"OUTPUT", "INPUT"} {
		if err := b.v4.InsertUnique("filter", chain, 1, "-j", jumpChain); err != nil {
			return fmt.Errorf("legacy: hook %s: %w", chain, err)
		}
		if err := b.v4.ChangePolicy("filter", chain, "DROP"); err != nil {
			return fmt.Errorf("legacy: set %s policy: %w", chain, err)
		}
	}
	if err := b.v4.ChangePolicy("filter", "FORWARD", "DROP"); err != nil {
		return fmt.Errorf("legacy: set forward policy: %w", err)
	}
	if err := b.v4.AppendUnique("filter", "FORWARD", "-i", "veth_host", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("legacy: forward accept in: %w", err)
	}
	if err := b.v4.AppendUnique("filter", "FORWARD", "-o", "veth_host", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("legacy: forward accept out: %w", err)
	}

	// NAT: DNAT udp/tcp 53 -> dns_port, tcp SYN -> trans_port; SNAT the
	// namespace subnet leaving via egress.
	nat := [][]string{
		{"-o", "lo", "-j", "RETURN"},
		{"-d", rules.NSSubnet, "-j", "RETURN"},
		{"-s", rules.NSSubnet, "-j", "RETURN"},
		{"-m", "owner", "--uid-owner", strconv.Itoa(rules.TorUID), "-j", "RETURN"},
	}
	for _, spec := range nat {
		if err := b.v4.AppendUnique("nat", "OUTPUT", spec...); err != nil {
			return fmt.Errorf("legacy: nat output early-return: %w", err)
		}
	}
	torEndpoint := fmt.Sprintf("%s:%d", rules.TorEndpoint.Address, rules.TorEndpoint.DNSPort)
	if err := b.v4.AppendUnique("nat", "OUTPUT", "-p", "udp", "--dport", "53", "-j", "DNAT", "--to-destination", torEndpoint); err != nil {
		return fmt.Errorf("legacy: dnat udp 53: %w", err)
	}
	if err := b.v4.AppendUnique("nat", "OUTPUT", "-p", "tcp", "--dport", "53", "-j", "DNAT", "--to-destination", torEndpoint); err != nil {
		return fmt.Errorf("legacy: dnat tcp 53: %w", err)
	}
	transEndpoint := fmt.Sprintf("%s:%d", rules.TorEndpoint.Address, rules.TorEndpoint.TransPort)
	if err := b.v4.AppendUnique("nat", "OUTPUT", "-p", "tcp", "--syn", "-j", "DNAT", "--to-destination", transEndpoint); err != nil {
		return fmt.Errorf("legacy: dnat tcp syn: %w", err)
	}
	if err := b.v4.AppendUnique("nat", "POSTROUTING", "-s", rules.NSSubnet, "-o", rules.EgressIface, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("legacy: snat postrouting: %w", err)
	}

	// IPv6: policy-only, loopback-allow, no NAT.
	for _, chain := range []string{"OUTPUT", "INPUT"} {
		if err := b.v6.InsertUnique("filter", chain, 1, "-i", "lo", "-j", "ACCEPT"); err != nil {
			return fmt.Errorf("legacy: v6 loopback %s: %w", chain, err)
		}
		if err := b.v6.InsertUnique("filter", chain, 1, "-o", "lo", "-j", "ACCEPT"); err != nil {
			return fmt.Errorf("legacy: v6 loopback %s: %w", chain, err)
		}
		if err := b.v6.ChangePolicy("filter", chain, "DROP"); err != nil {
			return fmt.Errorf("legacy: v6 %s policy: %w", chain, err)
		}
	}
	if err := b.v6.ChangePolicy("filter", "FORWARD", "DROP"); err != nil {
		return fmt.Errorf("legacy: v6 forward policy: %w", err)
	}

	return nil
}

// Disengage un-hooks OUTPUT/INPUT from the jump chain, restores ACCEPT
// policy, drains and deletes the jump chain, and clears the NAT rules —
// repeating the un-hook delete until absent so duplicate inserts from a
// prior partial engage are fully cleared.
func (b *Backend) Disengage(ctx context.Context) error {
	for _, chain := range []string{"OUTPUT", "INPUT"} {
		for {
			ok, err := b.v4.Exists("filter", chain, "-j", jumpChain)
			if err != nil || !ok {
				break
			}
			if err := b.v4.Delete("filter", chain, "-j", jumpChain); err != nil {
				break
			}
		}
		_ = b.v4.ChangePolicy("filter", chain, "ACCEPT")
		_ = b.v6.ChangePolicy("filter", chain, "ACCEPT")
	}
	_ = b.v4.ChangePolicy("filter", "FORWARD", "ACCEPT")
	_ = b.v6.ChangePolicy("filter", "FORWARD", "ACCEPT")

	if exists, _ := b.v4.ChainExists("filter", jumpChain); exists {
		if err := b.v4.ClearAndDeleteChain("filter", jumpChain); err != nil {
			return fmt.Errorf("legacy: drain jump chain: %w", err)
		}
	}

	_ = b.v4.ClearChain("nat", "OUTPUT")
	_ = b.v4.ClearChain("nat", "POSTROUTING")
	return nil
}

func (b *Backend) IsActive(ctx context.Context) bool {
	exists, err := b.v4.ChainExists("filter", jumpChain)
	return err == nil && exists
}

// CaptureRuleset shells out to iptables-save/ip6tables-save/ipset save,
// matching spec §4.1's "three saved streams (v4, v6, set state)" for the
// legacy backend.
func (b *Backend) CaptureRuleset(ctx context.Context) (firewall.Blob, error) {
	v4, err := b.run.Run(ctx, 0, "iptables-save")
	if err != nil {
		return firewall.Blob{}, fmt.Errorf("legacy: iptables-save: %w", err)
	}
	v6, err := b.run.Run(ctx, 0, "ip6tables-save")
	if err != nil {
		return firewall.Blob{}, fmt.Errorf("legacy: ip6tables-save: %w", err)
	}
	set, err := b.run.Run(ctx, 0, "ipset", "save")
	if err != nil {
		b.logger.Debug("ipset save unavailable; omitting set state", "error", err)
		set.Stdout = ""
	}
	return firewall.Blob{Backend: "legacy", LegacyV4: v4.Stdout, LegacyV6: v6.Stdout, LegacySet: set.Stdout}, nil
}

func (b *Backend) RestoreRuleset(ctx context.Context, blob firewall.Blob) error {
	if blob.LegacyV4 == "" && blob.LegacyV6 == "" {
		return b.Disengage(ctx)
	}
	if blob.LegacySet != "" {
		if _, err := b.run.RunStdin(ctx, 0, blob.LegacySet, "ipset", "restore"); err != nil {
			b.logger.Warn("ipset restore failed; continuing", "error", err)
		}
	}
	if blob.LegacyV4 != "" {
		if _, err := b.run.RunStdin(ctx, 0, blob.LegacyV4, "iptables-restore"); err != nil {
			return fmt.Errorf("legacy: iptables-restore: %w", err)
		}
	}
	if blob.LegacyV6 != "" {
		if _, err := b.run.RunStdin(ctx, 0, blob.LegacyV6, "ip6tables-restore"); err != nil {
			return fmt.Errorf("legacy: ip6tables-restore: %w", err)
		}
	}
	return nil
}

// FlushAnonTables is the safe-default fallback: remove only the
// ANONWALL chain and its hooks, leaving the rest of the host's iptables
// state untouched.
func (b *Backend) FlushAnonTables(ctx context.Context) error {
	return b.Disengage(ctx)
}
