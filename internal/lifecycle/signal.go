package lifecycle

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
)

// WatchSignals returns a channel that receives exactly one notification
// when SIGINT, SIGTERM, or SIGHUP arrives, and a stop function to release
// the underlying signal.Notify registration. Per spec §5 ("a POSIX
// termination signal triggers a cleanup path"), the caller is expected to
// invoke emergency restore and release the lock upon receipt.
func WatchSignals(logger hclog.Logger) (sig <-chan os.Signal, stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	if logger != nil {
		logger.Named("lifecycle").Debug("signal watcher armed")
	}
	return ch, func() { signal.Stop(ch) }
}
