package tor

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// chownByUsername resolves name to a uid/gid pair and applies it to path,
// used to put the Tor data directory under the Tor user's ownership
// without shelling out to chown for a single-path operation.
func chownByUsername(path, name string) error {
	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("tor: lookup user %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("tor: parse uid for %s: %w", name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("tor: parse gid for %s: %w", name, err)
	}
	return os.Chown(path, uid, gid)
}
