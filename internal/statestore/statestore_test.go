package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	want := State{
		AnonymityActive: true,
		Mode:            ModeExtreme,
		Profile:         "default",
		MonitorHandle:   "4242",
		DistroFamily:    "debian",
		FirewallBackend: "modern",
		Version:         "1",
	}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadRejectsInjectionAttempt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	require.NoError(t, Save(path, State{
		AnonymityActive: true,
		Mode:            ModeExtreme,
		Profile:         "default",
		Version:         "1",
	}))

	// Append a malicious line by hand, as a hostile or corrupted file would.
	appendLine(t, path, "CURRENT_MODE=$(rm -rf /)")

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeExtreme, got.Mode, "invalid value must leave prior valid value in place")
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	require.NoError(t, Save(path, Default()))
	appendLine(t, path, "SOME_FUTURE_KEY=whatever")

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), got)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, Default(), got)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}
