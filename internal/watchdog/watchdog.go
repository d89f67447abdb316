// Package watchdog implements the Watchdog (spec §4.6, C11): a
// timer-driven loop that, every 30s while anonymity is active, asserts
// five invariants and emits alerts over a bounded, non-blocking,
// single-receiver channel. It never repairs — repair is orchestrator
// policy — and it never terminates the program.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/config"
)

// AlertCategory tags a WatchdogAlert (spec §3).
type AlertCategory string

const (
	CategoryTor       AlertCategory = "TOR"
	CategoryFirewall  AlertCategory = "FIREWALL"
	CategoryDNS       AlertCategory = "DNS"
	CategoryIPv6      AlertCategory = "IPV6"
	CategoryNamespace AlertCategory = "NAMESPACE"
)

// Alert is the tagged string the spec calls WatchdogAlert.
type Alert struct {
	Category AlertCategory
	Message  string
}

// Checks is the read-only observation surface the Watchdog polls each
// tick; the orchestrator wires this to the live components (Tor
// Supervisor, Firewall Engine, DNS Lock, sysctl Manager, Namespace
// Manager) without giving the Watchdog any mutating capability.
type Checks struct {
	TorAlive          func() bool
	FirewallActive    func() bool
	ResolvIsLoopback  func() bool
	IPv6StillDisabled func() bool
	NamespaceExists   func() bool
	AnonymityActive   func() bool
}

// Watchdog runs Checks on a fixed period and emits an Alert per failing
// check onto a bounded channel; once the channel's buffer is full, further
// alerts are dropped rather than blocking (spec §5: "back-pressure never stalls
// the Watchdog").
type Watchdog struct {
	logger  hclog.Logger
	checks  Checks
	alerts  chan Alert
	period  time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New builds a Watchdog with a bounded alert channel (capacity 64,
// matching the "named alert channel ... mode 0600" FIFO the spec
// describes as an on-disk analog — here an in-process channel since
// torwall is a single long-lived process rather than shell + co-process).
func New(checks Checks, logger hclog.Logger) *Watchdog {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Watchdog{
		logger: logger.Named("watchdog"),
		checks: checks,
		alerts: make(chan Alert, 64),
		period: config.WatchdogPeriod,
	}
}

// Alerts returns the receive side of the bounded alert channel.
func (w *Watchdog) Alerts() <-chan Alert { return w.alerts }

// Start begins the periodic loop. Calling Start twice without an
// intervening Stop is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop cancels the loop and waits for it to exit, guaranteeing no tick
// races a caller's subsequent teardown (spec §5: "Watchdog stop
// happens-before firewall teardown").
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	if w.checks.AnonymityActive == nil || !w.checks.AnonymityActive() {
		return
	}

	type check struct {
		category AlertCategory
		fn       func() bool
		message  string
	}
	checks := []check{
		{CategoryTor, w.checks.TorAlive, "tor process is not alive or not reachable"},
		{CategoryFirewall, w.checks.FirewallActive, "anonwall firewall table/chain is absent"},
		{CategoryDNS, w.checks.ResolvIsLoopback, "resolver config no longer points at loopback"},
		{CategoryIPv6, w.checks.IPv6StillDisabled, "ipv6 disable flag is no longer set"},
		{CategoryNamespace, w.checks.NamespaceExists, "isolated namespace no longer exists"},
	}
	for _, c := range checks {
		if c.fn == nil {
			continue
		}
		if !c.fn() {
			w.emit(Alert{Category: c.category, Message: c.message})
		}
	}
}

func (w *Watchdog) emit(a Alert) {
	w.logger.Warn("watchdog alert", "category", a.Category, "message", a.Message)
	select {
	case w.alerts <- a:
	default:
		w.logger.Debug("alert channel full; dropping alert", "category", a.Category)
	}
}
