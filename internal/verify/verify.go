// Package verify implements the Verifier (spec §4.7, C13): ten
// independent, read-only checks of the anonymity pipeline's live state,
// run on demand by `torwall --verify` and summarized as pass/fail/warn
// counts. No check mutates state; a failing check never aborts the rest.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/config"
)

// Status is one check's outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// Result is one named check's outcome and a human-readable detail.
type Result struct {
	Name   string
	Status Status
	Detail string
}

// Report summarizes a full verification run.
type Report struct {
	Results []Result
	Passed  int
	Failed  int
	Warned  int
}

// Dependencies is the read-only observation surface the Verifier polls;
// each field is optional — a nil func is skipped rather than panicking,
// so partial wiring (e.g. in tests) still runs the checks it can.
type Dependencies struct {
	TorAlive             func() bool
	BootstrapProgress    func(ctx context.Context) (percent int, phase string, err error)
	SocksProxyAddr       string // host:port, e.g. "10.200.1.1:9050"
	ExitProbeTarget      string // host:port reachable only via Tor, used for the SOCKS CONNECT check
	OracleHost           string // check.torproject.org style host served over plain HTTP
	OraclePath           string
	OracleConfirmText    string // substring present in the oracle body when exiting via Tor
	ResolvIsLoopback     func() bool
	IPv6Disabled         func() bool
	FirewallActive       func() bool
	NamespaceExists      func() bool
	WebRTCBlockPresent   func() bool
	MACRandomized        func() bool
}

// Verifier runs Dependencies' checks and produces a Report.
type Verifier struct {
	logger hclog.Logger
	deps   Dependencies
}

func New(deps Dependencies, logger hclog.Logger) *Verifier {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if deps.OracleHost == "" {
		deps.OracleHost = "check.torproject.org"
	}
	if deps.OraclePath == "" {
		deps.OraclePath = "/"
	}
	if deps.OracleConfirmText == "" {
		deps.OracleConfirmText = "Congratulations"
	}
	if deps.SocksProxyAddr == "" {
		deps.SocksProxyAddr = fmt.Sprintf("%s:%d", config.TorIP, config.TorSocksPort)
	}
	return &Verifier{logger: logger.Named("verify"), deps: deps}
}

// Run executes all ten checks independently and returns a Report. It
// never returns an error: a check whose dependency is not wired (or, for
// the exit check, whose probe target is empty) is recorded as StatusWarn,
// a check that hits a live-system error is recorded as StatusFail, and
// neither aborts the remaining checks.
func (v *Verifier) Run(ctx context.Context) Report {
	var report Report

	add := func(name string, status Status, detail string) {
		report.Results = append(report.Results, Result{Name: name, Status: status, Detail: detail})
		switch status {
		case StatusPass:
			report.Passed++
		case StatusFail:
			report.Failed++
		case StatusWarn:
			report.Warned++
		}
	}

	add(v.checkTorAlive())
	add(v.checkBootstrapped(ctx))
	add(v.checkExitReachable(ctx))
	add(v.checkOracleConfirmsExit(ctx))
	add(v.checkDNSLoopback())
	add(v.checkIPv6Disabled())
	add(v.checkFirewallActive())
	add(v.checkNamespacePresent())
	add(v.checkWebRTCBlocked())
	add(v.checkMACRandomized())

	return report
}

func (v *Verifier) checkTorAlive() (string, Status, string) {
	const name = "tor_process_alive"
	if v.deps.TorAlive == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.TorAlive() {
		return name, StatusPass, "tor process is running"
	}
	return name, StatusFail, "tor process is not running"
}

func (v *Verifier) checkBootstrapped(ctx context.Context) (string, Status, string) {
	const name = "tor_bootstrapped"
	if v.deps.BootstrapProgress == nil {
		return name, StatusWarn, "not wired"
	}
	percent, phase, err := v.deps.BootstrapProgress(ctx)
	if err != nil {
		return name, StatusFail, fmt.Sprintf("control port query failed: %v", err)
	}
	if percent >= 100 {
		return name, StatusPass, "bootstrap complete"
	}
	return name, StatusFail, fmt.Sprintf("bootstrap at %d%% (%s)", percent, phase)
}

func (v *Verifier) checkExitReachable(ctx context.Context) (string, Status, string) {
	const name = "exit_reachable_over_socks"
	if v.deps.ExitProbeTarget == "" {
		return name, StatusWarn, "no probe target configured"
	}
	conn, err := socksConnect(ctx, v.deps.SocksProxyAddr, v.deps.ExitProbeTarget)
	if err != nil {
		return name, StatusFail, err.Error()
	}
	conn.Close()
	return name, StatusPass, "connect via tor socks succeeded"
}

func (v *Verifier) checkOracleConfirmsExit(ctx context.Context) (string, Status, string) {
	const name = "torproject_oracle_confirms_exit"
	body, err := httpGetOverSocks(ctx, v.deps.SocksProxyAddr, v.deps.OracleHost, v.deps.OraclePath)
	if err != nil {
		return name, StatusFail, err.Error()
	}
	if strings.Contains(body, v.deps.OracleConfirmText) {
		return name, StatusPass, "oracle confirms traffic is exiting via tor"
	}
	return name, StatusFail, "oracle did not confirm a tor exit"
}

func (v *Verifier) checkDNSLoopback() (string, Status, string) {
	const name = "dns_points_at_loopback"
	if v.deps.ResolvIsLoopback == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.ResolvIsLoopback() {
		return name, StatusPass, "resolv.conf's first nameserver is loopback"
	}
	return name, StatusFail, "resolv.conf's first nameserver is not loopback"
}

func (v *Verifier) checkIPv6Disabled() (string, Status, string) {
	const name = "ipv6_disabled"
	if v.deps.IPv6Disabled == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.IPv6Disabled() {
		return name, StatusPass, "ipv6 is disabled"
	}
	return name, StatusFail, "ipv6 is not disabled"
}

func (v *Verifier) checkFirewallActive() (string, Status, string) {
	const name = "killswitch_active"
	if v.deps.FirewallActive == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.FirewallActive() {
		return name, StatusPass, "killswitch table/chain is engaged"
	}
	return name, StatusFail, "killswitch table/chain is absent"
}

func (v *Verifier) checkNamespacePresent() (string, Status, string) {
	const name = "namespace_present"
	if v.deps.NamespaceExists == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.NamespaceExists() {
		return name, StatusPass, fmt.Sprintf("namespace %s exists", config.NamespaceName)
	}
	return name, StatusFail, fmt.Sprintf("namespace %s does not exist", config.NamespaceName)
}

func (v *Verifier) checkWebRTCBlocked() (string, Status, string) {
	const name = "webrtc_block_present"
	if v.deps.WebRTCBlockPresent == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.WebRTCBlockPresent() {
		return name, StatusPass, "webrtc stun/turn ports are blocked"
	}
	return name, StatusFail, "webrtc stun/turn ports are not blocked"
}

func (v *Verifier) checkMACRandomized() (string, Status, string) {
	const name = "mac_recorded_as_randomized"
	if v.deps.MACRandomized == nil {
		return name, StatusWarn, "not wired"
	}
	if v.deps.MACRandomized() {
		return name, StatusPass, "egress interface mac differs from its recorded hardware address"
	}
	return name, StatusWarn, "egress interface mac matches its original hardware address"
}
