// Package orchestrator implements the transactional pipeline (spec §4.5,
// C12) that wires every other component into the two enable modes, a
// disable, and an emergency restore. It is the composition root: the only
// package that imports every leaf component, so the dependency-injection
// interfaces those packages declare (FirewallCapturer, NamespaceExecer,
// SystemServiceStopper, ...) exist specifically to let this package wire
// concrete types into each other without creating import cycles.
package orchestrator

import (
	"context"
	"fmt"
	"os/user"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/bootstrap"
	"github.com/torwall/torwall/internal/capability"
	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/dnslock"
	"github.com/torwall/torwall/internal/faults"
	"github.com/torwall/torwall/internal/firewall"
	"github.com/torwall/torwall/internal/lifecycle"
	"github.com/torwall/torwall/internal/mac"
	"github.com/torwall/torwall/internal/netns"
	"github.com/torwall/torwall/internal/snapshot"
	"github.com/torwall/torwall/internal/statestore"
	"github.com/torwall/torwall/internal/sysctl"
	"github.com/torwall/torwall/internal/sysmgmt"
	"github.com/torwall/torwall/internal/tor"
	"github.com/torwall/torwall/internal/verify"
	"github.com/torwall/torwall/internal/watchdog"
)

// Options assembles every already-constructed component the orchestrator
// drives. cmd/torwall builds these from a capability.Capabilities probe
// result (choosing the nft or legacy firewall.Backend, for instance) and
// hands the finished Options to New.
type Options struct {
	Caps            *capability.Capabilities
	EgressIface     string
	StateRoot       string
	ProxychainsPath string

	Snapshot  *snapshot.Store
	Sysctl    *sysctl.Manager
	Namespace *netns.Manager
	Tor       *tor.Supervisor
	Bootstrap *bootstrap.Poller
	Firewall  *firewall.Engine
	DNS       *dnslock.Locker
	MAC       *mac.Rotator
	NetworkMgr *sysmgmt.NetworkManagerClient
}

// Orchestrator runs the enable/disable/restore pipelines described in
// spec §4.5, pushing an inverse onto a lifecycle.CompensationStack after
// every successful step so any failure unwinds exactly what succeeded.
type Orchestrator struct {
	logger hclog.Logger
	opts   Options

	watchdog    *watchdog.Watchdog
	recordedMAC string
}

func New(opts Options, logger hclog.Logger) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orchestrator{logger: logger.Named("orchestrator"), opts: opts}
}

func (o *Orchestrator) statePath() string { return statestore.Path(o.opts.StateRoot) }

func hardeningKeys() []string {
	keys := make([]string, 0, len(config.SysctlMatrix))
	for _, e := range config.SysctlMatrix {
		keys = append(keys, e.Key)
	}
	return keys
}

// EnableExtreme runs the full pipeline: sysctl hardening, IPv6 disable,
// namespace, Tor, bootstrap, firewall, DNS lock, MAC rotation, and the
// watchdog (spec §4.5's extreme pipeline order).
func (o *Orchestrator) EnableExtreme(ctx context.Context) error {
	return o.enable(ctx, statestore.ModeExtreme)
}

// EnablePartial runs the pipeline without the firewall killswitch,
// sysctl hardening matrix, or MAC rotation (spec §4.5's partial mode,
// for hosts where those steps are unsupported or explicitly declined).
func (o *Orchestrator) EnablePartial(ctx context.Context) error {
	return o.enable(ctx, statestore.ModePartial)
}

func (o *Orchestrator) enable(ctx context.Context, mode statestore.Mode) error {
	stack := lifecycle.NewCompensationStack(o.logger)
	extreme := mode == statestore.ModeExtreme

	if err := o.opts.Snapshot.Save(ctx, "initial"); err != nil {
		return faults.StepFault(fmt.Sprintf("snapshot save: %v", err))
	}

	if extreme {
		preHardening := o.opts.Sysctl.CaptureKeys(ctx, hardeningKeys())
		if errs := o.opts.Sysctl.ApplyHardeningMatrix(ctx); len(errs) > 0 {
			o.logger.Warn("sysctl hardening had partial failures", "count", len(errs))
		}
		stack.Push("sysctl_hardening", func() error {
			o.opts.Sysctl.RestoreKeys(context.Background(), preHardening)
			return nil
		})
	}

	if err := o.opts.Sysctl.DisableIPv6(ctx); err != nil {
		o.unwindAndReturn(stack, "disable ipv6", err)
		return faults.StepFault(fmt.Sprintf("disable ipv6: %v", err))
	}
	stack.Push("ipv6_disable", func() error { return o.opts.Sysctl.EnableIPv6(context.Background()) })

	if err := o.opts.Namespace.Create(ctx, o.opts.EgressIface); err != nil {
		o.unwindAndReturn(stack, "namespace create", err)
		return faults.StepFault(fmt.Sprintf("namespace create: %v", err))
	}
	stack.Push("namespace", func() error { return o.opts.Namespace.Destroy(context.Background(), o.opts.EgressIface) })

	if err := o.opts.Tor.WriteConfig(ctx); err != nil {
		o.unwindAndReturn(stack, "tor configure", err)
		return faults.StepFault(fmt.Sprintf("tor configure: %v", err))
	}

	if err := o.opts.Tor.Start(ctx); err != nil {
		o.unwindAndReturn(stack, "tor start", err)
		return faults.StepFault(fmt.Sprintf("tor start: %v", err))
	}
	stack.Push("tor", func() error { return o.opts.Tor.Stop(context.Background()) })

	bootstrapCtx, cancel := context.WithTimeout(ctx, config.BootstrapTimeout)
	pid, _ := torPID(o.opts.Tor)
	err := o.opts.Bootstrap.WaitUntilDone(bootstrapCtx, pid, config.BootstrapTimeout)
	cancel()
	if err != nil {
		o.unwindAndReturn(stack, "bootstrap wait", err)
		return faults.BootstrapTimeout(err.Error())
	}

	if extreme {
		rules := firewall.DefaultRules(torUID(o.opts.Caps), o.opts.EgressIface, nil)
		if err := o.opts.Firewall.Engage(ctx, rules); err != nil {
			o.unwindAndReturn(stack, "firewall engage", err)
			return faults.StepFault(fmt.Sprintf("firewall engage: %v", err))
		}
		stack.Push("firewall", func() error { return o.opts.Firewall.Disengage(context.Background()) })
	}

	if err := o.opts.DNS.Engage(); err != nil {
		o.unwindAndReturn(stack, "dns lock", err)
		return faults.StepFault(fmt.Sprintf("dns lock: %v", err))
	}

	if extreme && o.opts.MAC != nil {
		if current, err := mac.CurrentMAC(o.opts.EgressIface); err == nil {
			o.recordedMAC = current
		}
		if err := o.opts.MAC.Randomize(ctx, o.opts.EgressIface); err != nil {
			o.logger.Warn("mac randomize failed, continuing (non-fatal)", "error", err)
		}
	}

	if o.opts.ProxychainsPath != "" {
		if err := o.opts.Tor.WriteProxychainsHelper(o.opts.ProxychainsPath); err != nil {
			o.logger.Warn("proxychains helper write failed, continuing (non-fatal)", "error", err)
		}
	}

	o.watchdog = watchdog.New(o.buildWatchdogChecks(extreme), o.logger)
	o.watchdog.Start(ctx)

	state := statestore.State{
		AnonymityActive: true,
		Mode:            mode,
		Profile:         "default",
		DistroFamily:    string(o.opts.Caps.Distro),
		FirewallBackend: string(o.opts.Caps.FirewallBackend),
		Version:         "1",
	}
	if err := statestore.Save(o.statePath(), state); err != nil {
		o.logger.Error("state write failed after successful enable", "error", err)
	}

	return nil
}

func (o *Orchestrator) unwindAndReturn(stack *lifecycle.CompensationStack, step string, cause error) {
	o.logger.Error("pipeline step failed, unwinding", "step", step, "error", cause)
	if errs := stack.Unwind(); len(errs) > 0 {
		o.logger.Error("unwind encountered errors", "count", len(errs))
	}
}

// Disable tears down an active session: it stops the watchdog, disengages
// the firewall, stops Tor, destroys the namespace and puts the recorded
// MAC back, then restores the "initial" snapshot in the Snapshot Store's
// order (firewall, DNS, sysctl, NM connection, services, IPv6 unless it
// was already disabled before enable, connection-manager restart), and
// finally restarts the connection manager once more. DNS is therefore
// restored before the sysctl values and IPv6.
func (o *Orchestrator) Disable(ctx context.Context) error {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}

	var errs []error
	run := func(step string, fn func() error) {
		if err := fn(); err != nil {
			o.logger.Error("disable step failed, continuing", "step", step, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	if o.opts.Firewall != nil {
		run("firewall", func() error { return o.opts.Firewall.Disengage(ctx) })
	}
	if o.opts.Tor != nil {
		run("tor", func() error { return o.opts.Tor.Stop(ctx) })
	}
	if o.opts.Namespace != nil {
		run("namespace", func() error { return o.opts.Namespace.Destroy(ctx, o.opts.EgressIface) })
	}
	if o.opts.MAC != nil && o.recordedMAC != "" {
		run("mac", func() error { return o.opts.MAC.RestoreTo(ctx, o.opts.EgressIface, o.recordedMAC) })
	}

	// sysctl values, IPv6, and DNS all restore to their pre-enable values
	// from the "initial" snapshot in one pass, in the Snapshot Store's own
	// fixed order (firewall, DNS, sysctl, NM, services, then IPv6
	// re-enable) — the Store is the single source of truth for "what was
	// there before", so Disable defers to it rather than re-deriving the
	// same values here.
	run("snapshot_restore", func() error { return o.opts.Snapshot.Restore(ctx, "initial") })

	if o.opts.NetworkMgr != nil {
		run("connection_manager_restart", func() error { return o.opts.NetworkMgr.Restart(ctx) })
	}

	state := statestore.State{AnonymityActive: false, Mode: statestore.ModeNone, Profile: "default", Version: "1"}
	if err := statestore.Save(o.statePath(), state); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return faults.StepFault(fmt.Sprintf("%d disable steps failed", len(errs)))
	}
	return nil
}

// EmergencyRestore is the brute-force path run on a termination signal
// and for --restore: it skips every precondition check Disable would
// normally rely on, stops Tor and destroys the namespace ignoring errors,
// and restores the "initial" snapshot, which falls back to the Snapshot
// Store's safe defaults when that snapshot is absent or incomplete.
func (o *Orchestrator) EmergencyRestore(ctx context.Context) error {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}

	if o.opts.Tor != nil {
		_ = o.opts.Tor.Stop(ctx)
	}
	if o.opts.Namespace != nil {
		_ = o.opts.Namespace.Destroy(ctx, o.opts.EgressIface)
	}

	if err := o.opts.Snapshot.Restore(ctx, "initial"); err != nil {
		return faults.StepFault(fmt.Sprintf("emergency restore: %v", err))
	}

	state := statestore.State{AnonymityActive: false, Mode: statestore.ModeNone, Profile: "default", Version: "1"}
	_ = statestore.Save(o.statePath(), state)
	return nil
}

// NewVerifier builds a verify.Verifier wired to this orchestrator's live
// components, for `torwall --verify`.
func (o *Orchestrator) NewVerifier() *verify.Verifier {
	deps := verify.Dependencies{
		TorAlive: func() bool {
			if o.opts.Tor == nil {
				return false
			}
			return o.opts.Tor.IsRunning()
		},
		BootstrapProgress: func(ctx context.Context) (int, string, error) {
			if o.opts.Bootstrap == nil {
				return 0, "", fmt.Errorf("bootstrap poller not wired")
			}
			return o.opts.Bootstrap.Progress(ctx)
		},
		ExitProbeTarget: "check.torproject.org:80",
		ResolvIsLoopback: func() bool {
			if o.opts.DNS == nil {
				return false
			}
			return o.opts.DNS.IsLoopback()
		},
		IPv6Disabled: func() bool {
			if o.opts.Sysctl == nil {
				return false
			}
			values := o.opts.Sysctl.CaptureKeys(context.Background(), []string{"net.ipv6.conf.all.disable_ipv6"})
			return values["net.ipv6.conf.all.disable_ipv6"] == "1"
		},
		FirewallActive: func() bool {
			if o.opts.Firewall == nil {
				return false
			}
			return o.opts.Firewall.IsActive(context.Background())
		},
		NamespaceExists: func() bool {
			if o.opts.Namespace == nil {
				return false
			}
			return o.opts.Namespace.Exists()
		},
		WebRTCBlockPresent: func() bool {
			if o.opts.Firewall == nil {
				return false
			}
			return o.opts.Firewall.IsActive(context.Background())
		},
		MACRandomized: func() bool {
			if o.recordedMAC == "" {
				return false
			}
			current, err := mac.CurrentMAC(o.opts.EgressIface)
			return err == nil && current != o.recordedMAC
		},
	}
	return verify.New(deps, o.logger)
}

func (o *Orchestrator) buildWatchdogChecks(extreme bool) watchdog.Checks {
	return watchdog.Checks{
		AnonymityActive: func() bool { return true },
		TorAlive:        func() bool { return o.opts.Tor != nil && o.opts.Tor.IsRunning() },
		FirewallActive: func() bool {
			if !extreme || o.opts.Firewall == nil {
				return true
			}
			return o.opts.Firewall.IsActive(context.Background())
		},
		ResolvIsLoopback:  func() bool { return o.opts.DNS != nil && o.opts.DNS.IsLoopback() },
		IPv6StillDisabled: func() bool {
			if o.opts.Sysctl == nil {
				return true
			}
			values := o.opts.Sysctl.CaptureKeys(context.Background(), []string{"net.ipv6.conf.all.disable_ipv6"})
			return values["net.ipv6.conf.all.disable_ipv6"] == "1"
		},
		NamespaceExists: func() bool { return o.opts.Namespace != nil && o.opts.Namespace.Exists() },
	}
}

// torUID resolves the in-namespace Tor user's numeric uid from its name;
// the Capability Probe only records the username, so the Firewall Engine
// (which needs the uid for an owner-match rule) resolves it here at the
// orchestration boundary rather than duplicating /etc/passwd parsing in
// internal/firewall.
func torUID(caps *capability.Capabilities) int {
	if caps == nil {
		return 0
	}
	u, err := user.Lookup(caps.TorUser)
	if err != nil {
		return 0
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0
	}
	return uid
}

// torPID extracts the Tor Supervisor's recorded pid for the Bootstrap
// Poller's liveness check during WaitUntilDone.
func torPID(s *tor.Supervisor) (int, bool) {
	if s == nil {
		return 0, false
	}
	return s.PID()
}
