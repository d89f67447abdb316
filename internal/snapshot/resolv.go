package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

// Linux extended-attribute ioctl constants for the immutable flag
// (FS_IOC_GETFLAGS / FS_IOC_SETFLAGS), duplicated here rather than pulled
// from a CGO-dependent package since only the immutable flag bit is needed.
const (
	fsIoctlGetFlags = 0x80086601
	fsIoctlSetFlags = 0x40086601
	fsImmutableFlag = 0x00000010
)

// captureResolv records /etc/resolv.conf (or an arbitrary path in tests)
// in a symlink-aware way: if it's a symlink, the target (both absolute and
// relative forms, since systemd-resolved commonly uses a relative one) is
// recorded; otherwise the literal content is captured. The immutable
// attribute is captured for a regular file only; it is not recorded for
// a symlink.
func captureResolv(path string) (ResolvRecord, error) {
	rec := ResolvRecord{}

	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return rec, fmt.Errorf("snapshot: lstat resolv: %w", err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		rec.IsSymlink = true
		target, err := os.Readlink(path)
		if err != nil {
			return rec, fmt.Errorf("snapshot: readlink resolv: %w", err)
		}
		rec.RelativeTarget = target
		if filepath.IsAbs(target) {
			rec.AbsoluteTarget = target
		} else {
			rec.AbsoluteTarget = filepath.Clean(filepath.Join(filepath.Dir(path), target))
		}
		if data, err := os.ReadFile(rec.AbsoluteTarget); err == nil {
			rec.Content = string(data)
		}
		return rec, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("snapshot: read resolv: %w", err)
	}
	rec.Content = string(data)
	rec.Immutable = isImmutable(path)
	return rec, nil
}

// restoreResolv reverses captureResolv: recreates the symlink or writes
// back the literal content, reapplying the immutable flag last so the
// write itself isn't blocked by it.
func restoreResolv(path string, rec ResolvRecord) error {
	if err := clearImmutable(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: remove existing resolv: %w", err)
	}

	if rec.IsSymlink {
		if rec.RelativeTarget == "" {
			return nil
		}
		if err := os.Symlink(rec.RelativeTarget, path); err != nil {
			return fmt.Errorf("snapshot: restore resolv symlink: %w", err)
		}
		return nil
	}

	if rec.Content == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(rec.Content), 0o644); err != nil {
		return fmt.Errorf("snapshot: restore resolv content: %w", err)
	}
	if rec.Immutable {
		return setImmutable(path)
	}
	return nil
}

func writeResolv(dir string, rec ResolvRecord) error {
	ddir := filepath.Join(dir, "dns")
	if err := os.MkdirAll(ddir, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir dns dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot: marshal resolv record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ddir, "resolv.json"), data, 0o600); err != nil {
		return fmt.Errorf("snapshot: write resolv record: %w", err)
	}
	return nil
}

func readResolv(dir string) (ResolvRecord, error) {
	var rec ResolvRecord
	data, err := os.ReadFile(filepath.Join(dir, "dns", "resolv.json"))
	if err != nil {
		return rec, fmt.Errorf("snapshot: read resolv record: %w", err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		return rec, fmt.Errorf("snapshot: unmarshal resolv record: %w", err)
	}
	return rec, nil
}

// isImmutable and setImmutable/clearImmutable use FS_IOC_{GET,SET}FLAGS
// directly via syscall.Syscall, the same mechanism chattr(1) uses, since
// the stdlib exposes no wrapper for ext-family inode attributes.
func isImmutable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var flags uint32
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), fsIoctlGetFlags, uintptr(unsafe.Pointer(&flags)))
	if errno != 0 {
		return false
	}
	return flags&fsImmutableFlag != 0
}

func setImmutable(path string) error {
	return toggleImmutable(path, true)
}

func clearImmutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: stat for immutable clear: %w", err)
	}
	return toggleImmutable(path, false)
}

func toggleImmutable(path string, on bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("snapshot: open for immutable toggle: %w", err)
	}
	defer f.Close()

	var flags uint32
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), fsIoctlGetFlags, uintptr(unsafe.Pointer(&flags))); errno != 0 {
		return fmt.Errorf("snapshot: get inode flags: %w", errno)
	}
	if on {
		flags |= fsImmutableFlag
	} else {
		flags &^= fsImmutableFlag
	}
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), fsIoctlSetFlags, uintptr(unsafe.Pointer(&flags))); errno != 0 {
		return fmt.Errorf("snapshot: set inode flags: %w", errno)
	}
	return nil
}
