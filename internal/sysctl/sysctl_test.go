package sysctl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyToPath(t *testing.T) {
	require.Equal(t, "/proc/sys/net/ipv4/tcp_syncookies", keyToPath("net.ipv4.tcp_syncookies"))
	require.Equal(t, "/proc/sys/kernel/kptr_restrict", keyToPath("kernel.kptr_restrict"))
}

func TestCaptureKeysUnknownSentinelOnMissingPath(t *testing.T) {
	m := New(nil)
	values := m.CaptureKeys(context.Background(), []string{"this.key.does.not.exist.anywhere"})
	require.Equal(t, "UNKNOWN", values["this.key.does.not.exist.anywhere"])
}

func TestWriteBoundedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_sysctl_value")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	require.NoError(t, writeBounded(context.Background(), path, "1"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1", string(data))
}
