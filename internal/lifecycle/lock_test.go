package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, l.Release())
	require.NoFileExists(t, path)
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.Error(t, err)
}

func TestAcquireReapsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	// A pid that is vanishingly unlikely to be alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30-1)), 0o600))

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestCompensationStackUnwindsInReverseOrder(t *testing.T) {
	stack := NewCompensationStack(nil)
	var order []string

	stack.Push("first", func() error { order = append(order, "first"); return nil })
	stack.Push("second", func() error { order = append(order, "second"); return nil })
	stack.Push("third", func() error { order = append(order, "third"); return nil })

	errs := stack.Unwind()
	require.Empty(t, errs)
	require.Equal(t, []string{"third", "second", "first"}, order)
	require.Equal(t, 0, stack.Len())
}
