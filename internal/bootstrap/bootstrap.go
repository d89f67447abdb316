// Package bootstrap implements the Bootstrap Poller (spec §4.7, C14): a
// short-lived control-port connection that authenticates with Tor's auth
// cookie, queries bootstrap progress, and can issue SIGNAL NEWNYM for
// --newid. Grounded on the control-port request/response pattern in
// cypherbits/sandboxed-tor-browser's internal/tor/tor.go (bulb.Dial,
// ctrl.Authenticate, ctrl.Request("GETINFO ...")).
package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/yawning/bulb"

	"github.com/torwall/torwall/internal/config"
	"github.com/torwall/torwall/internal/faults"
)

// Poller queries a running Tor instance's control port inside the
// namespace for bootstrap progress.
type Poller struct {
	logger     hclog.Logger
	controlAddr string
	dataDir    string
}

func New(dataDir string, logger hclog.Logger) *Poller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Poller{
		logger:      logger.Named("bootstrap"),
		controlAddr: fmt.Sprintf("%s:%d", config.TorIP, config.TorControlPort),
		dataDir:     dataDir,
	}
}

// dial opens a fresh control-port connection authenticated with the hex
// auth cookie read from the data directory, per spec §4.7.
func (p *Poller) dial() (*bulb.Conn, error) {
	cookie, err := os.ReadFile(filepath.Join(p.dataDir, "control_auth_cookie"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read auth cookie: %w", err)
	}

	conn, err := bulb.Dial("tcp", p.controlAddr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dial control port: %w", err)
	}

	if err := conn.Authenticate(hex.EncodeToString(cookie)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap: authenticate: %w", err)
	}
	return conn, nil
}

// Progress issues a single GETINFO status/bootstrap-phase query and
// returns the parsed percent and phase tag.
func (p *Poller) Progress(ctx context.Context) (percent int, phase string, err error) {
	conn, err := p.dial()
	if err != nil {
		return 0, "", err
	}
	defer conn.Close()

	resp, err := conn.Request("GETINFO status/bootstrap-phase")
	if err != nil {
		return 0, "", fmt.Errorf("bootstrap: getinfo: %w", err)
	}
	if len(resp.Data) == 0 {
		return 0, "", fmt.Errorf("bootstrap: empty getinfo response")
	}
	return parseBootstrapLine(resp.Data[0])
}

// WaitUntilDone polls every config.BootstrapPollPeriod until percent
// reaches 100, the Tor process (by pid) is no longer alive, or timeout
// elapses (spec §4.7, bounded at 180s by spec §4.5/§5).
func (p *Poller) WaitUntilDone(ctx context.Context, torPID int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(config.BootstrapPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !pidAlive(torPID) {
				return faults.StepFault("tor process exited during bootstrap")
			}
			percent, phase, err := p.Progress(ctx)
			if err != nil {
				p.logger.Debug("bootstrap progress query failed; retrying", "error", err)
			} else {
				p.logger.Debug("bootstrap progress", "percent", percent, "phase", phase)
				if percent >= 100 {
					return nil
				}
			}
			if time.Now().After(deadline) {
				return faults.BootstrapTimeout(fmt.Sprintf("did not reach 100%% within %s", timeout))
			}
		}
	}
}

// NewIdentity issues SIGNAL NEWNYM, used by --newid.
func (p *Poller) NewIdentity(ctx context.Context) error {
	conn, err := p.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Request("SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("bootstrap: signal newnym: %w", err)
	}
	return nil
}

// parseBootstrapLine extracts PROGRESS and TAG from a line of the shape
// `status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=50 TAG=handshake ...`.
func parseBootstrapLine(line string) (int, string, error) {
	const eq = "status/bootstrap-phase="
	line = strings.TrimPrefix(line, eq)

	var progress, tag string
	for _, field := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(field, "PROGRESS="):
			progress = strings.TrimPrefix(field, "PROGRESS=")
		case strings.HasPrefix(field, "TAG="):
			tag = strings.TrimPrefix(field, "TAG=")
		}
	}
	if progress == "" {
		return 0, "", fmt.Errorf("bootstrap: no PROGRESS field in %q", line)
	}
	pct, err := strconv.Atoi(progress)
	if err != nil {
		return 0, "", fmt.Errorf("bootstrap: parse progress: %w", err)
	}
	return pct, tag, nil
}

// pidAlive reports whether pid exists, via gopsutil, which is already a
// dependency of internal/tor's process enumeration.
func pidAlive(pid int) bool {
	running, err := process.PidExists(int32(pid))
	return err == nil && running
}
