// Command torwall drives the anonymity pipeline: it probes host
// capabilities, wires the concrete firewall backend, and runs one of the
// mutually exclusive commands spec §6 defines (--extreme, --partial,
// --disable, --status, --verify, --newid, --restore, --logs).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/bootstrap"
	"github.com/torwall/torwall/internal/capability"
	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/dnslock"
	"github.com/torwall/torwall/internal/faults"
	"github.com/torwall/torwall/internal/firewall"
	legacyfw "github.com/torwall/torwall/internal/firewall/legacy"
	nftfw "github.com/torwall/torwall/internal/firewall/nft"
	"github.com/torwall/torwall/internal/lifecycle"
	"github.com/torwall/torwall/internal/mac"
	"github.com/torwall/torwall/internal/netns"
	"github.com/torwall/torwall/internal/orchestrator"
	"github.com/torwall/torwall/internal/snapshot"
	"github.com/torwall/torwall/internal/statestore"
	"github.com/torwall/torwall/internal/sysctl"
	"github.com/torwall/torwall/internal/sysmgmt"
	"github.com/torwall/torwall/internal/tor"
	"github.com/torwall/torwall/internal/verify"
)

func main() {
	var (
		extreme  = flag.Bool("extreme", false, "enable full isolation: killswitch, sysctl hardening, MAC rotation")
		partial  = flag.Bool("partial", false, "enable isolation without the firewall killswitch, hardening, or MAC rotation")
		disable  = flag.Bool("disable", false, "tear down an active session and restore prior settings")
		status   = flag.Bool("status", false, "print the current runtime state")
		verifyFl = flag.Bool("verify", false, "run the read-only verification checks and print a report")
		newID    = flag.Bool("newid", false, "request a new Tor circuit (SIGNAL NEWNYM)")
		restore  = flag.Bool("restore", false, "force an emergency restore from the initial snapshot")
		logsFl   = flag.Bool("logs", false, "print the path to torwall's log file")
		iface    = flag.String("iface", "", "egress interface (auto-detected if omitted)")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "torwall",
		Level: hclog.Info,
	})

	selected := countSelected(*extreme, *partial, *disable, *status, *verifyFl, *newID, *restore, *logsFl)
	if selected > 1 {
		fmt.Fprintln(os.Stderr, "torwall: only one of --extreme, --partial, --disable, --status, --verify, --newid, --restore, --logs may be given")
		os.Exit(2)
	}
	if selected == 0 {
		fmt.Fprintln(os.Stderr, "torwall: an interactive menu requires a terminal session; pass one of --extreme, --partial, --disable, --status, --verify, --newid, --restore, --logs")
		os.Exit(2)
	}

	if *logsFl {
		fmt.Println(filepath.Join(config.Root, "torwall.log"))
		return
	}

	ctx := context.Background()

	lock, err := lifecycle.Acquire(filepath.Join(config.Root, "torwall.pid"))
	if err != nil {
		exitWithFault(err)
	}
	defer lock.Release()

	caps, err := capability.Probe(ctx, logger)
	if err != nil {
		exitWithFault(err)
	}

	egressIface := *iface
	if egressIface == "" {
		egressIface = detectEgressIface()
	}

	orc := buildOrchestrator(caps, egressIface, logger)

	sigCh, stopSignals := lifecycle.WatchSignals(logger)
	defer stopSignals()
	go func() {
		if _, ok := <-sigCh; ok {
			logger.Warn("termination signal received, running emergency restore")
			if err := orc.EmergencyRestore(context.Background()); err != nil {
				logger.Error("emergency restore failed", "error", err)
			}
			os.Exit(1)
		}
	}()

	switch {
	case *extreme:
		err = orc.EnableExtreme(ctx)
	case *partial:
		err = orc.EnablePartial(ctx)
	case *disable:
		err = orc.Disable(ctx)
	case *restore:
		err = orc.EmergencyRestore(ctx)
	case *status:
		err = printStatus()
	case *verifyFl:
		printVerifyReport(orc.NewVerifier().Run(ctx))
	case *newID:
		err = requestNewIdentity(ctx, caps, logger)
	}

	if err != nil {
		exitWithFault(err)
	}
}

func countSelected(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func exitWithFault(err error) {
	fault, ok := err.(*faults.Fault)
	if !ok {
		fmt.Fprintf(os.Stderr, "torwall: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "torwall: %s\n", fault.Error())
	os.Exit(1)
}

func printStatus() error {
	state, err := statestore.Load(statestore.Path(config.Root))
	if err != nil {
		return err
	}
	fmt.Printf("anonymity_active: %v\n", state.AnonymityActive)
	fmt.Printf("mode: %s\n", state.Mode)
	fmt.Printf("distro_family: %s\n", state.DistroFamily)
	fmt.Printf("firewall_backend: %s\n", state.FirewallBackend)
	return nil
}

func printVerifyReport(report verify.Report) {
	for _, r := range report.Results {
		fmt.Printf("[%s] %-32s %s\n", r.Status, r.Name, r.Detail)
	}
	fmt.Printf("\n%d passed, %d failed, %d warned\n", report.Passed, report.Failed, report.Warned)
	if report.Failed > 0 {
		os.Exit(1)
	}
}

func requestNewIdentity(ctx context.Context, caps *capability.Capabilities, logger hclog.Logger) error {
	poller := bootstrap.New(caps.TorDataDir, logger)
	return poller.NewIdentity(ctx)
}

// detectEgressIface picks the default route's outbound interface, the
// same "eth0-style" detection every example in the pack performs via
// /proc/net/route rather than a netlink route lookup, kept consistent
// with the project's stdlib-first approach to one-shot startup checks.
func detectEgressIface() string {
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return "eth0"
	}
	lines := splitLines(string(data))
	for _, line := range lines[1:] {
		fields := splitFields(line)
		if len(fields) >= 2 && fields[1] == "00000000" {
			return fields[0]
		}
	}
	return "eth0"
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\t' || s[i] == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return fields
}

// buildOrchestrator wires every leaf component per the probed
// capabilities, choosing the nftables or legacy firewall backend exactly
// once (spec §4.2: "never switched at runtime").
func buildOrchestrator(caps *capability.Capabilities, egressIface string, logger hclog.Logger) *orchestrator.Orchestrator {
	configDir := filepath.Join(config.Root, "tor")
	_ = os.MkdirAll(configDir, 0o700)

	var backend firewall.Backend
	switch caps.FirewallBackend {
	case capability.BackendModern:
		backend = nftfw.New(logger)
	default:
		legacyBackend, err := legacyfw.New(logger)
		if err != nil {
			exitWithFault(faults.UnsupportedHost(err.Error()))
		}
		backend = legacyBackend
	}
	fwEngine := firewall.NewEngine(string(caps.FirewallBackend), backend)

	svcMgr := sysmgmt.NewServiceManager(logger)
	nmClient := sysmgmt.NewNetworkManagerClient(logger)
	sysctlMgr := sysctl.New(logger)
	nsManager := netns.New(logger)

	snapStore := snapshot.NewStore(snapshot.Options{
		Dir:       filepath.Join(config.Root, "snapshots"),
		Firewall:  snapshotFirewall{fwEngine},
		Sysctl:    sysctlMgr,
		Services:  svcMgr,
		NM:        nmClient,
		IfaceName: egressIface,
	}, logger)

	torSup := tor.New(tor.Options{
		Namespace:     nsManager,
		SystemService: svcMgr,
		PIDFile:       filepath.Join(config.Root, "tor.pid"),
		ConfigDir:     configDir,
		DataDir:       caps.TorDataDir,
		User:          caps.TorUser,
	}, logger)

	bootstrapPoller := bootstrap.New(caps.TorDataDir, logger)
	dnsLocker := dnslock.New("/etc/resolv.conf", logger)
	macRotator := mac.New(caps.HasNetworkMgr, logger)

	orc := orchestrator.New(orchestrator.Options{
		Caps:            caps,
		EgressIface:     egressIface,
		StateRoot:       config.Root,
		ProxychainsPath: filepath.Join(config.Root, "proxychains.conf"),
		Snapshot:        snapStore,
		Sysctl:          sysctlMgr,
		Namespace:       nsManager,
		Tor:             torSup,
		Bootstrap:       bootstrapPoller,
		Firewall:        fwEngine,
		DNS:             dnsLocker,
		MAC:             macRotator,
		NetworkMgr:      nmClient,
	}, logger)

	return orc
}

// snapshotFirewall adapts *firewall.Engine to snapshot.FirewallCapturer by
// converting between the identically-shaped firewall.Blob and
// snapshot.FirewallBlob.
type snapshotFirewall struct{ e *firewall.Engine }

func (a snapshotFirewall) CaptureRuleset(ctx context.Context) (snapshot.FirewallBlob, error) {
	blob, err := a.e.CaptureRuleset(ctx)
	return snapshot.FirewallBlob(blob), err
}

func (a snapshotFirewall) RestoreRuleset(ctx context.Context, blob snapshot.FirewallBlob) error {
	return a.e.RestoreRuleset(ctx, firewall.Blob(blob))
}

func (a snapshotFirewall) FlushAnonTables(ctx context.Context) error {
	return a.e.FlushAnonTables(ctx)
}
