// Package executil wraps the host tools torwall shells out to: netfilter
// CLIs that have no usable Go binding for a given distro, the Tor binary,
// and miscellaneous one-shot lookups. Design Notes (spec §9) require that
// every such call (i) validates its inputs, (ii) bounds runtime, (iii)
// captures stderr, and (iv) surfaces its exit code as a typed fault; this
// package is that abstraction. The one component that calls os/exec
// directly is netns.ExecBackground, which starts the long-running Tor
// process without waiting for it.
package executil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/torwall/torwall/internal/faults"
)

// DefaultTimeout bounds any Run call that doesn't pass its own context
// deadline; it matches the 2-second syscall bound in spec §5.
const DefaultTimeout = 2 * time.Second

// Result captures what happened, regardless of success, so callers can
// log or surface stderr without re-running the command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands with a bound, used by every component
// that shells out to netfilter/ip/systemctl/tor binaries.
type Runner struct {
	logger hclog.Logger
}

func New(logger hclog.Logger) *Runner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{logger: logger.Named("executil")}
}

// Run executes name with args, bounded by timeout (DefaultTimeout if zero).
// A nonzero exit or a context deadline both surface as errors; a missing
// binary surfaces as faults.ExternalToolMissing.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, err := exec.LookPath(name); err != nil {
		return Result{}, faults.ExternalToolMissing(name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("exec", "cmd", name, "args", args)
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, faults.Transient(fmt.Sprintf("%s timed out after %s", name, timeout))
	}
	if err != nil {
		return res, fmt.Errorf("%s %v: %w (stderr: %s)", name, args, err, res.Stderr)
	}
	return res, nil
}

// RunStdin is Run, but feeds in to the command's stdin — used for
// nft -f - and iptables-restore style atomic rule loads.
func (r *Runner) RunStdin(ctx context.Context, timeout time.Duration, in string, name string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, err := exec.LookPath(name); err != nil {
		return Result{}, faults.ExternalToolMissing(name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewBufferString(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, faults.Transient(fmt.Sprintf("%s timed out after %s", name, timeout))
	}
	if err != nil {
		return res, fmt.Errorf("%s %v: %w (stderr: %s)", name, args, err, res.Stderr)
	}
	return res, nil
}

// LookPath reports whether name is available, used by the Capability Probe.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
