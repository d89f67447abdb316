package mac

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomLocalMACIsLocallyAdministeredUnicast(t *testing.T) {
	for i := 0; i < 20; i++ {
		addr, err := randomLocalMAC()
		require.NoError(t, err)

		hw, err := net.ParseMAC(addr)
		require.NoError(t, err)
		require.Len(t, hw, 6)

		require.NotZero(t, hw[0]&0x02, "locally-administered bit must be set")
		require.Zero(t, hw[0]&0x01, "multicast bit must be clear")
	}
}

func TestSecondColonField(t *testing.T) {
	require.Equal(t, "my-wifi", secondColonField("GENERAL.CONNECTION:my-wifi\n"))
	require.Equal(t, "", secondColonField(""))
}
