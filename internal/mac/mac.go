// Package mac implements the MAC Rotator (spec §4's C10): randomizes the
// egress interface's link-layer address, preferring the connection
// manager (NetworkManager, via nmcli) when present and falling back to
// direct link manipulation via vishvananda/netlink.
package mac

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/vishvananda/netlink"

	"github.com/torwall/torwall/internal/executil"
)

// Rotator randomizes a link's MAC address. Non-fatal per spec §4.5 ("MAC
// randomize (non-fatal)") — callers log and continue on error rather
// than aborting the pipeline.
type Rotator struct {
	logger        hclog.Logger
	run           *executil.Runner
	hasNetworkMgr bool
}

func New(hasNetworkMgr bool, logger hclog.Logger) *Rotator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Rotator{logger: logger.Named("mac"), run: executil.New(logger), hasNetworkMgr: hasNetworkMgr}
}

// Randomize sets iface's MAC to a freshly generated locally-administered
// unicast address, via nmcli if the connection manager is present,
// otherwise directly via netlink.
func (r *Rotator) Randomize(ctx context.Context, iface string) error {
	newMAC, err := randomLocalMAC()
	if err != nil {
		return fmt.Errorf("mac: generate random address: %w", err)
	}
	return r.apply(ctx, iface, newMAC)
}

// RestoreTo sets iface's MAC back to a specific address, used on disable
// to undo a prior Randomize using the value the orchestrator captured
// beforehand via CurrentMAC.
func (r *Rotator) RestoreTo(ctx context.Context, iface, mac string) error {
	return r.apply(ctx, iface, mac)
}

// CurrentMAC reads iface's live hardware address.
func CurrentMAC(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("mac: lookup interface %s: %w", iface, err)
	}
	return ifi.HardwareAddr.String(), nil
}

func (r *Rotator) apply(ctx context.Context, iface, mac string) error {
	if r.hasNetworkMgr {
		if _, err := r.run.Run(ctx, 0, "nmcli", "device", "set", iface, "managed", "yes"); err != nil {
			r.logger.Debug("nmcli device set managed failed; falling back to direct link manipulation", "error", err)
		} else if _, err := r.run.Run(ctx, 0, "nmcli", "general", "reload"); err == nil {
			if err := r.setViaNmcli(ctx, iface, mac); err == nil {
				return nil
			}
		}
	}

	return r.setViaNetlink(iface, mac)
}

func (r *Rotator) setViaNmcli(ctx context.Context, iface, mac string) error {
	conn, err := r.run.Run(ctx, 0, "nmcli", "-t", "-f", "GENERAL.CONNECTION", "device", "show", iface)
	if err != nil {
		return fmt.Errorf("mac: resolve active connection: %w", err)
	}
	connName := secondColonField(conn.Stdout)
	if connName == "" {
		return fmt.Errorf("mac: no active connection for %s", iface)
	}
	if _, err := r.run.Run(ctx, 0, "nmcli", "connection", "modify", connName, "802-3-ethernet.cloned-mac-address", mac); err != nil {
		return fmt.Errorf("mac: nmcli modify cloned-mac-address: %w", err)
	}
	if _, err := r.run.Run(ctx, 0, "nmcli", "connection", "up", connName); err != nil {
		return fmt.Errorf("mac: nmcli connection up: %w", err)
	}
	return nil
}

func (r *Rotator) setViaNetlink(iface, mac string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("mac: lookup link %s: %w", iface, err)
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("mac: parse address: %w", err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("mac: set link down: %w", err)
	}
	if err := netlink.LinkSetHardwareAddr(link, hw); err != nil {
		_ = netlink.LinkSetUp(link)
		return fmt.Errorf("mac: set hardware address: %w", err)
	}
	return netlink.LinkSetUp(link)
}

func randomLocalMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// Set the locally-administered bit and clear the multicast bit, per
	// IEEE 802's scheme for non-globally-unique addresses.
	buf[0] = (buf[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}

// secondColonField extracts the value after the first ':' on the first
// line, the shape of nmcli's `-t` (terse) output, e.g.
// "GENERAL.CONNECTION:my-wifi" -> "my-wifi".
func secondColonField(out string) string {
	line := out
	for i := 0; i < len(out); i++ {
		if out[i] == '\n' {
			line = out[:i]
			break
		}
	}
	for i := 0; i < len(line); i++ {
		if line[i] == ':' {
			return line[i+1:]
		}
	}
	return ""
}
