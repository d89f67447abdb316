// Package tor implements the Tor Supervisor (spec §4.4, C6): launches Tor
// inside the isolated namespace as an unprivileged user, stops it
// cleanly, restarts it, and reports liveness. A system service manager
// cannot do this because it cannot place a managed process into a
// foreign network namespace — this package exists to fill exactly that
// gap.
package tor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/executil"
	"github.com/torwall/torwall/internal/faults"
)

// NamespaceExecer runs a command inside the managed namespace; satisfied
// by *netns.Manager. Accepting the interface here (rather than importing
// internal/netns directly) keeps the supervisor testable without a real
// namespace.
type NamespaceExecer interface {
	Exec(ctx context.Context, name string, args ...string) (executil.Result, error)
	ExecBackground(ctx context.Context, name string, args ...string) (int, error)
}

// SystemServiceStopper stops a system-managed unit that would otherwise
// contend for Tor's ports, satisfied by the dbus-backed systemd client.
type SystemServiceStopper interface {
	StopUnit(ctx context.Context, name string) error
}

// Supervisor owns the lifecycle of the single Tor process torwall
// manages. It never touches the control port — that's the Bootstrap
// Poller's job (internal/bootstrap).
type Supervisor struct {
	logger    hclog.Logger
	run       *executil.Runner
	ns        NamespaceExecer
	sysSvc    SystemServiceStopper
	pidFile   string
	configDir string
	dataDir   string
	user      string
}

type Options struct {
	Namespace     NamespaceExecer
	SystemService SystemServiceStopper
	PIDFile       string
	ConfigDir     string
	DataDir       string
	User          string
}

func New(opts Options, logger hclog.Logger) *Supervisor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Supervisor{
		logger:    logger.Named("tor"),
		run:       executil.New(logger),
		ns:        opts.Namespace,
		sysSvc:    opts.SystemService,
		pidFile:   opts.PIDFile,
		configDir: opts.ConfigDir,
		dataDir:   opts.DataDir,
		user:      opts.User,
	}
}

// torrcPath is the rendered configuration file's fixed location.
func (s *Supervisor) torrcPath() string { return filepath.Join(s.configDir, "torrc") }

// WriteConfig renders and validates the torrc, but does not start Tor.
// Validation is a dry-run invocation (`tor --verify-config`), matching
// spec §4.4's "validates the configuration ... before returning success
// from a configuration update."
func (s *Supervisor) WriteConfig(ctx context.Context) error {
	content, err := renderTorrc(torrcParams{
		BindAddr:               config.TorIP,
		SocksPort:              config.TorSocksPort,
		DNSPort:                config.TorDNSPort,
		TransPort:              config.TorTransPort,
		ControlPort:            config.TorControlPort,
		SubnetCIDR:             config.SubnetCIDR,
		DataDir:                s.dataDir,
		User:                   s.user,
		MaxMemMB:               256,
		NewCircuitPeriodSec:    30,
		MaxCircuitDirtinessSec: 600,
	})
	if err != nil {
		return fmt.Errorf("tor: render torrc: %w", err)
	}

	if err := os.MkdirAll(s.configDir, 0o700); err != nil {
		return fmt.Errorf("tor: mkdir config dir: %w", err)
	}
	if err := os.WriteFile(s.torrcPath(), []byte(content), 0o600); err != nil {
		return fmt.Errorf("tor: write torrc: %w", err)
	}

	if _, err := s.run.Run(ctx, config.SyscallTimeout, "tor", "--verify-config", "-f", s.torrcPath()); err != nil {
		return faults.StepFault(fmt.Sprintf("tor config failed validation: %v", err))
	}
	return nil
}

// WriteProxychainsHelper renders the proxychains-style helper file the
// orchestrator writes right before starting the watchdog (spec §4.5).
func (s *Supervisor) WriteProxychainsHelper(path string) error {
	content, err := renderProxychains(proxychainsParams{BindAddr: config.TorIP, SocksPort: config.TorSocksPort})
	if err != nil {
		return fmt.Errorf("tor: render proxychains helper: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Start kills any prior managed process, stops a contending system
// service, prepares the data directory, and launches Tor inside the
// namespace as the configured unprivileged user.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.IsRunning() {
		s.stopManaged(ctx)
	}
	if s.sysSvc != nil {
		if err := s.sysSvc.StopUnit(ctx, "tor"); err != nil {
			s.logger.Warn("failed to stop system tor unit; continuing", "error", err)
		}
	}
	if err := s.clearStaleLock(); err != nil {
		return fmt.Errorf("tor: clear stale lock: %w", err)
	}
	if err := s.prepareDataDir(); err != nil {
		return fmt.Errorf("tor: prepare data dir: %w", err)
	}

	setprivArgs := []string{"--reuid", s.user, "--regid", s.user, "--init-groups", "--", "tor", "-f", s.torrcPath()}
	pid, err := s.ns.ExecBackground(ctx, "setpriv", setprivArgs...)
	if err != nil {
		return faults.StepFault(fmt.Sprintf("tor start failed: %v", err))
	}
	if err := s.writePID(pid); err != nil {
		return fmt.Errorf("tor: persist pid: %w", err)
	}

	time.Sleep(config.TorLivenessDelay)
	if !s.IsRunning() {
		return faults.StepFault("tor process not alive after liveness delay")
	}

	s.logger.Info("tor started", "user", s.user, "data_dir", s.dataDir)
	return nil
}

// Stop terminates the recorded pid and any process running as the Tor
// user named "tor", waiting up to config.TorStopGrace before escalating
// to SIGKILL.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopManaged(ctx)
	return os.Remove(s.pidFile)
}

func (s *Supervisor) stopManaged(ctx context.Context) {
	pids := s.managedPIDs()
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
		}
	}
	deadline := time.Now().Add(config.TorStopGrace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
}

// managedPIDs returns the recorded pid (if any) plus every process owned
// by the Tor user and named "tor", found via gopsutil since that's a
// structured, repeated enumeration rather than a single-pid poll.
func (s *Supervisor) managedPIDs() []int {
	var pids []int
	if pid, ok := s.readPID(); ok {
		pids = append(pids, pid)
	}

	procs, err := process.Processes()
	if err != nil {
		return pids
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != "tor" {
			continue
		}
		username, err := p.Username()
		if err != nil || username != s.user {
			continue
		}
		pid := int(p.Pid)
		if !containsInt(pids, pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Restart stops then starts.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("stop during restart reported an error", "error", err)
	}
	return s.Start(ctx)
}

// IsRunning reports whether the pid file exists and its recorded pid
// still responds to signal 0.
func (s *Supervisor) IsRunning() bool {
	pid, ok := s.readPID()
	if !ok {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// PID exposes the recorded process id, used by the Bootstrap Poller's
// liveness check during WaitUntilDone.
func (s *Supervisor) PID() (int, bool) {
	return s.readPID()
}

func (s *Supervisor) readPID() (int, bool) {
	data, err := os.ReadFile(s.pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (s *Supervisor) writePID(pid int) error {
	return os.WriteFile(s.pidFile, []byte(strconv.Itoa(pid)), 0o600)
}

func (s *Supervisor) clearStaleLock() error {
	lockPath := filepath.Join(s.dataDir, "lock")
	err := os.Remove(lockPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Supervisor) prepareDataDir() error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return err
	}
	if err := os.Chmod(s.dataDir, 0o700); err != nil {
		return err
	}
	return chownByUsername(s.dataDir, s.user)
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if proc, err := os.FindProcess(pid); err == nil {
			if proc.Signal(syscall.Signal(0)) == nil {
				return true
			}
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
