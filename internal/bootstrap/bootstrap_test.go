package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBootstrapLine(t *testing.T) {
	pct, tag, err := parseBootstrapLine(`status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=50 TAG=handshake SUMMARY="Handshaking with relay"`)
	require.NoError(t, err)
	require.Equal(t, 50, pct)
	require.Equal(t, "handshake", tag)
}

func TestParseBootstrapLineDone(t *testing.T) {
	pct, tag, err := parseBootstrapLine(`status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`)
	require.NoError(t, err)
	require.Equal(t, 100, pct)
	require.Equal(t, "done", tag)
}

func TestParseBootstrapLineMissingProgress(t *testing.T) {
	_, _, err := parseBootstrapLine("garbage")
	require.Error(t, err)
}
