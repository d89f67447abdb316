package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunAllPassWhenEverythingHealthy(t *testing.T) {
	deps := Dependencies{
		TorAlive: func() bool { return true },
		BootstrapProgress: func(ctx context.Context) (int, string, error) {
			return 100, "done", nil
		},
		ResolvIsLoopback:   func() bool { return true },
		IPv6Disabled:       func() bool { return true },
		FirewallActive:     func() bool { return true },
		NamespaceExists:    func() bool { return true },
		WebRTCBlockPresent: func() bool { return true },
		MACRandomized:      func() bool { return true },
	}
	v := New(deps, nil)
	report := v.Run(context.Background())

	// Two checks require live network access and do not pass here: exit
	// reachability warns because no probe target is set, and the oracle
	// fails without a reachable SOCKS proxy. Every other wired check must
	// pass.
	require.Equal(t, 8, report.Passed+report.Failed+report.Warned-2)
	for _, r := range report.Results {
		if r.Name == "exit_reachable_over_socks" || r.Name == "torproject_oracle_confirms_exit" {
			continue
		}
		require.Equal(t, StatusPass, r.Status, r.Name)
	}
}

func TestRunReportsWarnForUnwiredChecks(t *testing.T) {
	v := New(Dependencies{}, nil)
	report := v.Run(context.Background())

	require.Len(t, report.Results, 10)
	require.Zero(t, report.Passed)
}

func TestRunNeverAbortsOnFirstFailure(t *testing.T) {
	deps := Dependencies{
		TorAlive: func() bool { return false },
		ResolvIsLoopback: func() bool {
			return true
		},
	}
	v := New(deps, nil)
	report := v.Run(context.Background())
	require.Len(t, report.Results, 10)
}
