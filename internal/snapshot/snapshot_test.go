package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFirewall struct {
	blob      FirewallBlob
	restored  FirewallBlob
	flushed   bool
	captureErr error
}

func (f *fakeFirewall) CaptureRuleset(ctx context.Context) (FirewallBlob, error) {
	return f.blob, f.captureErr
}
func (f *fakeFirewall) RestoreRuleset(ctx context.Context, blob FirewallBlob) error {
	f.restored = blob
	return nil
}
func (f *fakeFirewall) FlushAnonTables(ctx context.Context) error {
	f.flushed = true
	return nil
}

type fakeSysctl struct {
	values    map[string]string
	restored  map[string]string
	ipv6On    bool
}

func (s *fakeSysctl) CaptureKeys(ctx context.Context, keys []string) map[string]string {
	return s.values
}
func (s *fakeSysctl) RestoreKeys(ctx context.Context, values map[string]string) {
	s.restored = values
}
func (s *fakeSysctl) EnableIPv6(ctx context.Context) error {
	s.ipv6On = true
	return nil
}

type fakeServices struct {
	states   map[string]ServiceState
	restored map[string]ServiceState
}

func (f *fakeServices) CaptureService(ctx context.Context, name string) ServiceState {
	return f.states[name]
}
func (f *fakeServices) RestoreService(ctx context.Context, name string, state ServiceState) error {
	if f.restored == nil {
		f.restored = map[string]ServiceState{}
	}
	f.restored[name] = state
	return nil
}

type fakeNM struct {
	active      string
	activated   string
	restarted   bool
}

func (n *fakeNM) ActiveConnection(ctx context.Context) (string, error) { return n.active, nil }
func (n *fakeNM) ActivateConnection(ctx context.Context, id string) error {
	n.activated = id
	return nil
}
func (n *fakeNM) Restart(ctx context.Context) error {
	n.restarted = true
	return nil
}

func newTestStore(t *testing.T, resolvPath string) (*Store, *fakeFirewall, *fakeSysctl, *fakeServices, *fakeNM) {
	t.Helper()
	fw := &fakeFirewall{blob: FirewallBlob{Backend: "modern", Modern: "table inet anon { }"}}
	sc := &fakeSysctl{values: map[string]string{"net.ipv4.tcp_syncookies": "1"}}
	sv := &fakeServices{states: map[string]ServiceState{
		"tor":            {Enabled: "disabled", Active: "inactive"},
		"NetworkManager": {Enabled: "enabled", Active: "active"},
	}}
	nm := &fakeNM{active: "wired-1"}

	store := NewStore(Options{
		Dir:        t.TempDir(),
		Firewall:   fw,
		Sysctl:     sc,
		Services:   sv,
		NM:         nm,
		ResolvPath: resolvPath,
		IfaceName:  "eth0",
	}, nil)
	return store, fw, sc, sv, nm
}

func TestSaveIsAtomicAndCompletionMarkerLast(t *testing.T) {
	resolvPath := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644))

	store, _, _, _, _ := newTestStore(t, resolvPath)

	require.NoError(t, store.Save(context.Background(), "initial"))
	require.True(t, store.IsValid("initial"))

	// No .staging directory should remain after a successful save.
	require.NoFileExists(t, store.stagingPath("initial"))
	require.FileExists(t, filepath.Join(store.namePath("initial"), completionMarker))
}

func TestSaveInitialIsNoOpWhenAlreadyValid(t *testing.T) {
	resolvPath := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644))

	store, fw, _, _, _ := newTestStore(t, resolvPath)

	require.NoError(t, store.Save(context.Background(), "initial"))
	fw.blob.Modern = "table inet anon { chain forward { } }"
	require.NoError(t, store.Save(context.Background(), "initial"))

	blob, err := readFirewallBlob(store.namePath("initial"))
	require.NoError(t, err)
	require.Equal(t, "table inet anon { }", blob.Modern, "second Save of 'initial' must not overwrite an already-valid snapshot")
}

func TestRestoreRejectsPartialSnapshotAndFallsBackToSafeDefaults(t *testing.T) {
	resolvPath := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644))

	store, fw, sc, _, nm := newTestStore(t, resolvPath)

	// Simulate a crash mid-save: staging dir present, no completion marker,
	// and renamed into the final name manually to mimic a truncated write.
	require.NoError(t, os.MkdirAll(store.namePath("partial"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(store.namePath("partial"), "interface"), []byte("eth0"), 0o600))

	err := store.Restore(context.Background(), "partial")
	require.Error(t, err, "restoring an incomplete snapshot must not silently succeed")
	require.True(t, fw.flushed, "safe-default fallback must flush anon tables")
	require.True(t, sc.ipv6On, "safe-default fallback must re-enable IPv6")
	require.True(t, nm.restarted, "safe-default fallback must restart the connection manager")
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	resolvPath := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(resolvPath, []byte("nameserver 127.0.0.1\n"), 0o644))

	store, fw, sc, sv, nm := newTestStore(t, resolvPath)
	require.NoError(t, store.Save(context.Background(), "initial"))

	// Mutate the live fakes to simulate the anonymity pipeline having run.
	fw.blob.Modern = "table inet anon { chain forward { drop } }"
	sc.values["net.ipv4.tcp_syncookies"] = "0"

	require.NoError(t, store.Restore(context.Background(), "initial"))

	require.Equal(t, "table inet anon { }", fw.restored.Modern)
	require.Equal(t, "1", sc.restored["net.ipv4.tcp_syncookies"])
	require.Equal(t, ServiceState{Enabled: "disabled", Active: "inactive"}, sv.restored["tor"])
	require.Equal(t, "wired-1", nm.activated)
	require.True(t, sc.ipv6On)
	require.True(t, nm.restarted)
}

func TestResolvSymlinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "run", "resolv.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("nameserver 10.0.0.1\n"), 0o644))

	resolvPath := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.Symlink("run/resolv.conf", resolvPath))

	rec, err := captureResolv(resolvPath)
	require.NoError(t, err)
	require.True(t, rec.IsSymlink)
	require.Equal(t, "run/resolv.conf", rec.RelativeTarget)
	require.Equal(t, filepath.Join(dir, "run", "resolv.conf"), rec.AbsoluteTarget)

	require.NoError(t, os.Remove(resolvPath))
	require.NoError(t, os.WriteFile(resolvPath, []byte("nameserver 10.200.1.1\n"), 0o644))

	require.NoError(t, restoreResolv(resolvPath, rec))

	fi, err := os.Lstat(resolvPath)
	require.NoError(t, err)
	require.True(t, fi.Mode()&os.ModeSymlink != 0, "restore must recreate the symlink, not inline the content")

	link, err := os.Readlink(resolvPath)
	require.NoError(t, err)
	require.Equal(t, "run/resolv.conf", link)
}
