package orchestrator

import (
	"os/user"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torwall/torwall/internal/capability"
	"github.com/torwall/torwall/internal/config"
)

func TestHardeningKeysCoversEveryMatrixEntry(t *testing.T) {
	keys := hardeningKeys()
	require.Len(t, keys, len(config.SysctlMatrix))
	for i, e := range config.SysctlMatrix {
		require.Equal(t, e.Key, keys[i])
	}
}

func TestTorUIDResolvesCurrentUser(t *testing.T) {
	me, err := user.Current()
	require.NoError(t, err)

	uid := torUID(&capability.Capabilities{TorUser: me.Username})
	require.Equal(t, me.Uid, strconv.Itoa(uid))
}

func TestTorUIDReturnsZeroForUnknownUser(t *testing.T) {
	require.Equal(t, 0, torUID(&capability.Capabilities{TorUser: "no-such-user-torwall-test"}))
	require.Equal(t, 0, torUID(nil))
}
