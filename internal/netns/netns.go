// Package netns implements the Namespace Manager (spec §4.3, C5): create
// and destroy the isolated network namespace, the host<->namespace veth
// pair, and the outbound source-NAT that lets the namespace reach the
// Internet through the host's egress interface.
package netns

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/executil"
	"github.com/torwall/torwall/internal/faults"
)

// Manager owns namespace lifecycle. It never persists state of its own;
// existence of the namespace itself is the source of truth.
type Manager struct {
	logger hclog.Logger
	run    *executil.Runner
	name   string
}

func New(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		logger: logger.Named("netns"),
		run:    executil.New(logger),
		name:   config.NamespaceName,
	}
}

// Exists reports whether a namespace of the configured name is present.
func (m *Manager) Exists() bool {
	h, err := netns.GetFromName(m.name)
	if err != nil {
		return false
	}
	h.Close()
	return true
}

// Create idempotently destroys any pre-existing namespace of the same
// name, then builds the full fabric: namespace, veth pair, addresses,
// link-up, loopback-up, default route inside, host-side IP forwarding,
// and source-NAT for the namespace subnet out egressIface. Any failure
// unwinds everything it has done so far before returning.
func (m *Manager) Create(ctx context.Context, egressIface string) error {
	if m.Exists() {
		m.logger.Warn("namespace already exists; destroying before recreate", "name", m.name)
		if err := m.Destroy(ctx, egressIface); err != nil {
			return fmt.Errorf("netns: destroy pre-existing namespace: %w", err)
		}
	}

	var undo []func()
	fail := func(stage string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return faults.StepFault(fmt.Sprintf("namespace create failed at %s: %v", stage, err))
	}

	origNS, err := netns.Get()
	if err != nil {
		return fail("capture current namespace", err)
	}
	defer origNS.Close()

	newNS, err := netns.NewNamed(m.name)
	if err != nil {
		return fail("create namespace", err)
	}
	// NewNamed switches the calling OS thread into newNS; return home
	// immediately so the rest of this function operates from the host
	// namespace, matching how veth peer moves are normally performed.
	if err := netns.Set(origNS); err != nil {
		newNS.Close()
		return fail("return to host namespace", err)
	}
	newNS.Close()
	undo = append(undo, func() {
		if h, err := netns.GetFromName(m.name); err == nil {
			h.Close()
			_ = netns.DeleteNamed(m.name)
		}
	})

	vethHost := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: config.VethHost},
		PeerName:  config.VethNS,
	}
	if err := netlink.LinkAdd(vethHost); err != nil {
		return fail("create veth pair", err)
	}
	undo = append(undo, func() { _ = netlink.LinkDel(vethHost) })

	peer, err := netlink.LinkByName(config.VethNS)
	if err != nil {
		return fail("lookup veth peer", err)
	}

	nsHandle, err := netns.GetFromName(m.name)
	if err != nil {
		return fail("reopen namespace handle", err)
	}
	defer nsHandle.Close()

	if err := netlink.LinkSetNsFd(peer, int(nsHandle)); err != nil {
		return fail("move veth peer into namespace", err)
	}

	hostLink, err := netlink.LinkByName(config.VethHost)
	if err != nil {
		return fail("lookup host veth", err)
	}
	if err := addAddr(hostLink, config.HostIP, config.SubnetCIDR); err != nil {
		return fail("assign host veth address", err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return fail("set host veth up", err)
	}

	if err := m.withNamespace(nsHandle, func() error {
		nsLink, err := netlink.LinkByName(config.VethNS)
		if err != nil {
			return fmt.Errorf("lookup ns veth: %w", err)
		}
		if err := addAddr(nsLink, config.TorIP, config.SubnetCIDR); err != nil {
			return fmt.Errorf("assign ns veth address: %w", err)
		}
		if err := netlink.LinkSetUp(nsLink); err != nil {
			return fmt.Errorf("set ns veth up: %w", err)
		}
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return fmt.Errorf("lookup ns loopback: %w", err)
		}
		if err := netlink.LinkSetUp(lo); err != nil {
			return fmt.Errorf("set ns loopback up: %w", err)
		}
		gw := net.ParseIP(config.HostIP)
		route := &netlink.Route{LinkIndex: nsLink.Attrs().Index, Gw: gw}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("add ns default route: %w", err)
		}
		return nil
	}); err != nil {
		return fail("configure namespace side", err)
	}

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fail("enable host ip forwarding", err)
	}

	if err := m.installSNAT(ctx, egressIface); err != nil {
		return fail("install source-NAT", err)
	}

	m.logger.Info("namespace created", "name", m.name, "egress", egressIface)
	return nil
}

// Destroy removes the SNAT rule, terminates resident processes, deletes
// the namespace (which removes its resident veth end), then removes the
// host-side veth if it's still present.
func (m *Manager) Destroy(ctx context.Context, egressIface string) error {
	if err := m.removeSNAT(ctx, egressIface); err != nil {
		m.logger.Warn("failed to remove source-NAT rule during destroy", "error", err)
	}

	if err := m.killResidents(ctx); err != nil {
		m.logger.Warn("failed to terminate namespace residents cleanly", "error", err)
	}

	if m.Exists() {
		if err := netns.DeleteNamed(m.name); err != nil {
			m.logger.Warn("failed to delete namespace", "error", err)
		}
	}

	if link, err := netlink.LinkByName(config.VethHost); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			m.logger.Warn("failed to remove host veth remnant", "error", err)
		}
	}

	m.logger.Info("namespace destroyed", "name", m.name)
	return nil
}

// killResidents sends SIGTERM to every process inside the namespace,
// waits one second, then SIGKILLs survivors, matching spec §4.3's
// destroy() grace period.
func (m *Manager) killResidents(ctx context.Context) error {
	res, err := m.run.Run(ctx, 2*time.Second, "ip", "netns", "pids", m.name)
	if err != nil {
		// Namespace may already be gone or empty; not fatal.
		return nil
	}
	pids := parsePIDs(res.Stdout)
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}
	if len(pids) == 0 {
		return nil
	}
	time.Sleep(config.NamespaceKillGrace)
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
	}
	return nil
}

// Exec runs name with args inside the managed namespace's network
// context and waits for it to complete, bounded by
// config.SyscallTimeout; it is part of the tor.NamespaceExecer surface
// the Tor Supervisor is wired with.
func (m *Manager) Exec(ctx context.Context, name string, args ...string) (executil.Result, error) {
	full := append([]string{"netns", "exec", m.name, name}, args...)
	return m.run.Run(ctx, config.SyscallTimeout, "ip", full...)
}

// ExecBackground starts name with args inside the namespace's network
// context without waiting for it to exit, returning the spawned
// process's pid — used to launch the long-running Tor process, which
// must outlive the bounded executil.Run call a blocking Exec would use.
func (m *Manager) ExecBackground(ctx context.Context, name string, args ...string) (int, error) {
	full := append([]string{"netns", "exec", m.name, name}, args...)
	cmd := exec.CommandContext(context.Background(), "ip", full...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("netns: start background exec: %w", err)
	}
	go cmd.Wait() // reap to avoid a zombie; caller tracks liveness via pid.
	return cmd.Process.Pid, nil
}

func (m *Manager) withNamespace(target netns.NsHandle, fn func() error) error {
	origNS, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netns: capture current namespace: %w", err)
	}
	defer origNS.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("netns: enter target namespace: %w", err)
	}
	defer netns.Set(origNS)

	return fn()
}

func addAddr(link netlink.Link, ip, cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parse cidr %s: %w", cidr, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: net.ParseIP(ip), Mask: ipnet.Mask}}
	return netlink.AddrAdd(link, addr)
}

func (m *Manager) installSNAT(ctx context.Context, egressIface string) error {
	_, err := m.run.Run(ctx, config.SyscallTimeout, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", config.SubnetCIDR, "-o", egressIface, "-j", "MASQUERADE")
	return err
}

func (m *Manager) removeSNAT(ctx context.Context, egressIface string) error {
	_, err := m.run.Run(ctx, config.SyscallTimeout, "iptables", "-t", "nat", "-D", "POSTROUTING",
		"-s", config.SubnetCIDR, "-o", egressIface, "-j", "MASQUERADE")
	return err
}

func parsePIDs(stdout string) []int {
	var pids []int
	var cur int
	started := false
	for _, r := range stdout {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			started = true
			continue
		}
		if started {
			pids = append(pids, cur)
			cur, started = 0, false
		}
	}
	if started {
		pids = append(pids, cur)
	}
	return pids
}
