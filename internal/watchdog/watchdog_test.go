package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickEmitsAlertPerFailingCheck(t *testing.T) {
	w := New(Checks{
		AnonymityActive:   func() bool { return true },
		TorAlive:          func() bool { return false },
		FirewallActive:    func() bool { return true },
		ResolvIsLoopback:  func() bool { return false },
		IPv6StillDisabled: func() bool { return true },
		NamespaceExists:   func() bool { return true },
	}, nil)

	w.tick()

	require.Len(t, w.alerts, 2)
	a1 := <-w.alerts
	a2 := <-w.alerts
	require.ElementsMatch(t, []AlertCategory{CategoryTor, CategoryDNS}, []AlertCategory{a1.Category, a2.Category})
}

func TestTickIsNoOpWhenAnonymityInactive(t *testing.T) {
	w := New(Checks{
		AnonymityActive: func() bool { return false },
		TorAlive:        func() bool { return false },
	}, nil)

	w.tick()
	require.Empty(t, w.alerts)
}

func TestTickNeverMutatesObservedState(t *testing.T) {
	calls := 0
	w := New(Checks{
		AnonymityActive: func() bool { return true },
		TorAlive: func() bool {
			calls++
			return true
		},
	}, nil)

	for i := 0; i < 5; i++ {
		w.tick()
	}
	require.Equal(t, 5, calls)
	require.Empty(t, w.alerts)
}

func TestAlertChannelDropsRatherThanBlocksWhenFull(t *testing.T) {
	w := New(Checks{
		AnonymityActive: func() bool { return true },
		TorAlive:        func() bool { return false },
	}, nil)

	// Fill the channel without draining it; emit must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			w.tick()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on a full alert channel")
	}
}

func TestStartStopIsClean(t *testing.T) {
	w := New(Checks{AnonymityActive: func() bool { return false }}, nil)
	w.period = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	// Stop must return promptly and be idempotent.
	w.Stop()
}
