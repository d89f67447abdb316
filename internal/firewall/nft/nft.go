// Package nft implements the Firewall Engine's modern backend (spec
// §4.2) over github.com/google/nftables: an `anonwall` table in the ip
// family, holding the killswitch's input/output/forward hooks and the NAT
// output/postrouting chains, and a policy-only `anonwall` table in the
// ip6 family.
package nft

import (
	"context"
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/executil"
	"github.com/torwall/torwall/internal/firewall"
)

const tableName = "anonwall"

// Backend is the modern nftables implementation of firewall.Backend.
type Backend struct {
	logger hclog.Logger
	run    *executil.Runner
}

func New(logger hclog.Logger) *Backend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{logger: logger.Named("firewall.nft"), run: executil.New(logger)}
}

func (b *Backend) conn() (*nftables.Conn, error) {
	c, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nft: open netlink connection: %w", err)
	}
	return c, nil
}

// Engage compiles rules into the anonwall table, first disengaging so
// repeated calls converge to the same state (spec §4.2 idempotence).
func (b *Backend) Engage(ctx context.Context, rules firewall.KillswitchRules) error {
	if err := b.Disengage(ctx); err != nil {
		return fmt.Errorf("nft: pre-engage disengage: %w", err)
	}

	c, err := b.conn()
	if err != nil {
		return err
	}

	table4 := c.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyIPv4})
	b.buildIPv4(c, table4, rules)

	table6 := c.AddTable(&nftables.Table{Name: tableName, Family: nftables.TableFamilyIPv6})
	b.buildIPv6(c, table6)

	if err := c.Flush(); err != nil {
		return fmt.Errorf("nft: flush ruleset: %w", err)
	}
	return nil
}

func (b *Backend) buildIPv4(c *nftables.Conn, table *nftables.Table, rules firewall.KillswitchRules) {
	input := c.AddChain(&nftables.Chain{
		Name: "input", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookInput, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	output := c.AddChain(&nftables.Chain{
		Name: "output", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookOutput, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	forward := c.AddChain(&nftables.Chain{
		Name: "forward", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookForward, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	natOutput := c.AddChain(&nftables.Chain{
		Name: "nat_output", Table: table, Type: nftables.ChainTypeNAT,
		Hooknum: nftables.ChainHookOutput, Priority: nftables.ChainPriorityNATDest,
	})
	postrouting := c.AddChain(&nftables.Chain{
		Name: "postrouting", Table: table, Type: nftables.ChainTypeNAT,
		Hooknum: nftables.ChainHookPostrouting, Priority: nftables.ChainPriorityNATSource,
	})

	// output: loopback, established/related, tor-uid, ns-subnet accept.
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: acceptOif("lo")})
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: acceptCtState()})
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: acceptUID(uint32(rules.TorUID))})
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: acceptDaddrNet(rules.NSSubnet)})

	// reject known DoH resolvers on 443/853.
	for _, ip := range rules.DoHBlocklist {
		for _, p := range []int{443, 853} {
			c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: rejectDaddrPorts(ip, []int{p})})
		}
	}

	// drop WebRTC STUN/TURN ports, one rule per port.
	for _, p := range rules.WebRTCUDP {
		c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: dropPorts(unix.IPPROTO_UDP, []int{p})})
	}
	for _, p := range rules.WebRTCTCP {
		c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: dropPorts(unix.IPPROTO_TCP, []int{p})})
	}

	// log then drop all other outbound — policy DROP covers the drop;
	// the log rule is a best-effort diagnostic append just before it.
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: []expr.Any{&expr.Log{}}})

	// input: loopback, established/related, ns-subnet.
	c.AddRule(&nftables.Rule{Table: table, Chain: input, Exprs: acceptIif("lo")})
	c.AddRule(&nftables.Rule{Table: table, Chain: input, Exprs: acceptCtState()})
	c.AddRule(&nftables.Rule{Table: table, Chain: input, Exprs: acceptSaddrNet(rules.NSSubnet)})

	// forward: accept traffic crossing the namespace veth in either direction.
	c.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: acceptIif("veth_host")})
	c.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: acceptOif("veth_host")})

	// nat output: DNAT hooked on the OUTPUT chain, since host-originated
	// packets never traverse prerouting — only a locally-generated
	// packet's own OUTPUT hook sees it before routing. Early-return
	// loopback, tor-owned, and ns-subnet traffic, then DNAT 53 ->
	// dns_port and TCP SYN -> trans_port.
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: returnOif("lo")})
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: returnUID(uint32(rules.TorUID))})
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: returnDaddrNet(rules.NSSubnet)})
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: dnatPort(unix.IPPROTO_UDP, 53, rules.TorEndpoint.Address, rules.TorEndpoint.DNSPort)})
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: dnatPort(unix.IPPROTO_TCP, 53, rules.TorEndpoint.Address, rules.TorEndpoint.DNSPort)})
	c.AddRule(&nftables.Rule{Table: table, Chain: natOutput, Exprs: dnatTCPSyn(rules.TorEndpoint.Address, rules.TorEndpoint.TransPort)})

	// postrouting NAT: source-NAT the namespace subnet leaving via egress.
	c.AddRule(&nftables.Rule{Table: table, Chain: postrouting, Exprs: masquerade(rules.NSSubnet, rules.EgressIface)})
}

func (b *Backend) buildIPv6(c *nftables.Conn, table *nftables.Table) {
	input := c.AddChain(&nftables.Chain{
		Name: "input", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookInput, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	output := c.AddChain(&nftables.Chain{
		Name: "output", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookOutput, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	forward := c.AddChain(&nftables.Chain{
		Name: "forward", Table: table, Type: nftables.ChainTypeFilter,
		Hooknum: nftables.ChainHookForward, Priority: nftables.ChainPriorityFilter, Policy: chainPolicy(nftables.ChainPolicyDrop),
	})
	// v6 is policy-only: loopback-only allow, no NAT.
	c.AddRule(&nftables.Rule{Table: table, Chain: input, Exprs: acceptIif("lo")})
	c.AddRule(&nftables.Rule{Table: table, Chain: output, Exprs: acceptOif("lo")})
	_ = forward // default DROP policy covers forward; no v6 allow rules needed.
}

// Disengage removes every table named anonwall found in one listing of
// the ip and ip6 families, in a single batch; deleting a table removes
// its chains and hooks with it.
func (b *Backend) Disengage(ctx context.Context) error {
	c, err := b.conn()
	if err != nil {
		return err
	}
	for _, family := range []nftables.TableFamily{nftables.TableFamilyIPv4, nftables.TableFamilyIPv6} {
		tables, err := c.ListTablesOfFamily(family)
		if err != nil {
			continue
		}
		for _, t := range tables {
			if t.Name == tableName {
				c.DelTable(t)
			}
		}
	}
	if err := c.Flush(); err != nil {
		return fmt.Errorf("nft: flush disengage: %w", err)
	}
	return nil
}

func (b *Backend) IsActive(ctx context.Context) bool {
	c, err := b.conn()
	if err != nil {
		return false
	}
	for _, family := range []nftables.TableFamily{nftables.TableFamilyIPv4, nftables.TableFamilyIPv6} {
		tables, err := c.ListTablesOfFamily(family)
		if err != nil {
			continue
		}
		for _, t := range tables {
			if t.Name == tableName {
				return true
			}
		}
	}
	return false
}

// CaptureRuleset shells out to `nft list ruleset` for the full
// declarative text blob, matching spec §4.1's modern-backend capture.
func (b *Backend) CaptureRuleset(ctx context.Context) (firewall.Blob, error) {
	res, err := b.run.Run(ctx, 0, "nft", "list", "ruleset")
	if err != nil {
		return firewall.Blob{}, fmt.Errorf("nft: list ruleset: %w", err)
	}
	return firewall.Blob{Backend: "modern", Modern: res.Stdout}, nil
}

// RestoreRuleset atomically loads the captured text via `nft -f -`.
func (b *Backend) RestoreRuleset(ctx context.Context, blob firewall.Blob) error {
	if blob.Modern == "" {
		return b.Disengage(ctx)
	}
	if _, err := b.run.RunStdin(ctx, 0, blob.Modern, "nft", "-f", "-"); err != nil {
		return fmt.Errorf("nft: restore ruleset: %w", err)
	}
	return nil
}

// FlushAnonTables is the safe-default fallback: remove only anonwall
// tables, leaving any unrelated ruleset on the host untouched.
func (b *Backend) FlushAnonTables(ctx context.Context) error {
	return b.Disengage(ctx)
}

func chainPolicy(p nftables.ChainPolicy) *nftables.ChainPolicy { return &p }

func acceptOif(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func acceptIif(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func acceptCtState() []expr.Any {
	return []expr.Any{
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED), Xor: binaryUint32(0)},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryUint32(0)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func acceptUID(uid uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeySKUID, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryUint32(uid)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func acceptDaddrNet(cidr string) []expr.Any {
	ip, mask := cidrParts(cidr)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: binaryUint32(0)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func acceptSaddrNet(cidr string) []expr.Any {
	ip, mask := cidrParts(cidr)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: binaryUint32(0)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func returnOif(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(name)},
		&expr.Verdict{Kind: expr.VerdictReturn},
	}
}

func returnUID(uid uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeySKUID, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryUint32(uid)},
		&expr.Verdict{Kind: expr.VerdictReturn},
	}
}

func returnDaddrNet(cidr string) []expr.Any {
	ip, mask := cidrParts(cidr)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: binaryUint32(0)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Verdict{Kind: expr.VerdictReturn},
	}
}

func rejectDaddrPorts(ip string, ports []int) []expr.Any {
	exprs := []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: net.ParseIP(ip).To4()},
	}
	for _, p := range ports {
		exprs = append(exprs,
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: binaryUint16(uint16(p))},
		)
	}
	exprs = append(exprs, &expr.Reject{Type: unix.NFT_REJECT_TCP_RST})
	return exprs
}

func dropPorts(proto int, ports []int) []expr.Any {
	var exprs []expr.Any
	exprs = append(exprs,
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(proto)}},
	)
	for _, p := range ports {
		exprs = append(exprs,
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: binaryUint16(uint16(p))},
		)
	}
	exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	return exprs
}

func dnatPort(proto int, matchPort int, toAddr string, toPort int) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(proto)}},
		&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: binaryUint16(uint16(matchPort))},
		&expr.Immediate{Register: 3, Data: net.ParseIP(toAddr).To4()},
		&expr.Immediate{Register: 4, Data: binaryUint16(uint16(toPort))},
		&expr.NAT{Type: expr.NATTypeDestNAT, Family: unix.NFPROTO_IPV4, RegAddrMin: 3, RegProtoMin: 4},
	}
}

func dnatTCPSyn(toAddr string, toPort int) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
		&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseTransportHeader, Offset: 13, Len: 1},
		&expr.Bitwise{SourceRegister: 2, DestRegister: 2, Len: 1, Mask: []byte{0x02}, Xor: []byte{0x00}},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: []byte{0x00}},
		&expr.Immediate{Register: 3, Data: net.ParseIP(toAddr).To4()},
		&expr.Immediate{Register: 4, Data: binaryUint16(uint16(toPort))},
		&expr.NAT{Type: expr.NATTypeDestNAT, Family: unix.NFPROTO_IPV4, RegAddrMin: 3, RegProtoMin: 4},
	}
}

func masquerade(srcCIDR, oif string) []expr.Any {
	ip, mask := cidrParts(srcCIDR)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: mask, Xor: binaryUint32(0)},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip},
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: ifname(oif)},
		&expr.Masq{},
	}
}

func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

func binaryUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func binaryUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func cidrParts(cidr string) (ip []byte, mask []byte) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return net.IPv4zero.To4(), net.IPv4Mask(0, 0, 0, 0)
	}
	return ipnet.IP.To4(), net.IP(ipnet.Mask).To4()
}
