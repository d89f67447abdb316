package firewall

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRulesBitExactTopology(t *testing.T) {
	rules := DefaultRules(123, "eth0", []string{"1.1.1.1"})
	require.Equal(t, 123, rules.TorUID)
	require.Equal(t, "eth0", rules.EgressIface)
	require.Equal(t, "10.200.1.0/24", rules.NSSubnet)
	require.Equal(t, "10.200.1.1", rules.TorEndpoint.Address)
	require.Equal(t, 5353, rules.TorEndpoint.DNSPort)
	require.Equal(t, 9040, rules.TorEndpoint.TransPort)
	require.Equal(t, 9050, rules.TorEndpoint.SocksPort)
	require.Equal(t, 9051, rules.TorEndpoint.ControlPort)
	require.Contains(t, rules.DoHBlocklist, "1.1.1.1")
	require.Contains(t, rules.WebRTCUDP, 3478)
	require.Contains(t, rules.WebRTCTCP, 3478)
}

type fakeBackend struct {
	engaged    bool
	engageN    int
	lastRules  KillswitchRules
	blob       Blob
}

func (f *fakeBackend) Engage(ctx context.Context, rules KillswitchRules) error {
	f.engaged = true
	f.engageN++
	f.lastRules = rules
	return nil
}
func (f *fakeBackend) Disengage(ctx context.Context) error { f.engaged = false; return nil }
func (f *fakeBackend) IsActive(ctx context.Context) bool    { return f.engaged }
func (f *fakeBackend) CaptureRuleset(ctx context.Context) (Blob, error) { return f.blob, nil }
func (f *fakeBackend) RestoreRuleset(ctx context.Context, blob Blob) error {
	f.blob = blob
	return nil
}
func (f *fakeBackend) FlushAnonTables(ctx context.Context) error { f.engaged = false; return nil }

func TestEngineCaptureTagsBackendName(t *testing.T) {
	fb := &fakeBackend{blob: Blob{Modern: "table inet anonwall { }"}}
	eng := NewEngine("modern", fb)

	require.NoError(t, eng.Engage(context.Background(), DefaultRules(1, "eth0", nil)))
	require.True(t, eng.IsActive(context.Background()))

	blob, err := eng.CaptureRuleset(context.Background())
	require.NoError(t, err)
	require.Equal(t, "modern", blob.Backend)
	require.Equal(t, "table inet anonwall { }", blob.Modern)
}

func TestEngineIsIdempotentAtCallerLevel(t *testing.T) {
	fb := &fakeBackend{}
	eng := NewEngine("modern", fb)
	rules := DefaultRules(1, "eth0", nil)

	require.NoError(t, eng.Engage(context.Background(), rules))
	require.NoError(t, eng.Engage(context.Background(), rules))
	require.Equal(t, 2, fb.engageN, "Engine itself doesn't dedupe calls; idempotence is the backend's Engage-calls-Disengage-first contract")
}
