package tor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderTorrcBitExactPortBindings(t *testing.T) {
	out, err := renderTorrc(torrcParams{
		BindAddr:               "10.200.1.1",
		SocksPort:              9050,
		DNSPort:                5353,
		TransPort:              9040,
		ControlPort:            9051,
		SubnetCIDR:             "10.200.1.0/24",
		DataDir:                "/var/lib/tor-anon",
		User:                   "tor-anon",
		MaxMemMB:               256,
		NewCircuitPeriodSec:    30,
		MaxCircuitDirtinessSec: 600,
	})
	require.NoError(t, err)

	require.Contains(t, out, "SocksPort 10.200.1.1:9050")
	require.Contains(t, out, "DNSPort 10.200.1.1:5353")
	require.Contains(t, out, "TransPort 10.200.1.1:9040")
	require.Contains(t, out, "ControlPort 10.200.1.1:9051")
	require.Contains(t, out, "SocksPolicy accept 10.200.1.0/24")
	require.Contains(t, out, "SocksPolicy reject *")
	require.Contains(t, out, "CookieAuthentication 1")
	require.Contains(t, out, "AvoidDiskWrites 1")
	require.Contains(t, out, "SafeLogging 1")
	require.Contains(t, out, "DisableDebuggerAttachment 1")
	require.Contains(t, out, "ClientRejectInternalAddresses 1")
	require.Contains(t, out, "WarnUnsafeSocks 1")
	require.NotContains(t, out, "CtrlPassword", "torrc must never carry sensitive data")
}

func TestRenderProxychainsSingleUpstream(t *testing.T) {
	out, err := renderProxychains(proxychainsParams{BindAddr: "10.200.1.1", SocksPort: 9050})
	require.NoError(t, err)
	require.Contains(t, out, "strict_chain")
	require.Contains(t, out, "proxy_dns")
	require.Contains(t, out, "socks5 10.200.1.1 9050")
	require.Equal(t, 1, strings.Count(out, "socks5 "), "exactly one SOCKS5 upstream")
}
