// Package faults defines the error taxonomy shared by every torwall
// component. Components return these sentinels (wrapped with context via
// fmt.Errorf("%w", ...)) so the orchestrator and cmd/torwall can decide
// exit codes and remedial messages without string matching.
package faults

import "errors"

// Kind classifies a fault for propagation-policy purposes (spec §7).
type Kind int

const (
	KindUnknown Kind = iota
	KindPermission
	KindLockContention
	KindUnsupportedHost
	KindSnapshotInvalid
	KindStepFault
	KindBootstrapTimeout
	KindExternalToolMissing
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "PermissionFault"
	case KindLockContention:
		return "LockContention"
	case KindUnsupportedHost:
		return "UnsupportedHost"
	case KindSnapshotInvalid:
		return "SnapshotInvalid"
	case KindStepFault:
		return "StepFault"
	case KindBootstrapTimeout:
		return "BootstrapTimeout"
	case KindExternalToolMissing:
		return "ExternalToolMissing"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Use errors.Is against these; Fault wraps one of them
// together with a human remedy and the underlying cause.
var (
	ErrPermission         = errors.New("must be invoked with elevated privileges")
	ErrLockContention      = errors.New("another instance holds the system lock")
	ErrUnsupportedHost    = errors.New("host distribution, firewall backend, or kernel feature is unsupported")
	ErrSnapshotInvalid    = errors.New("initial snapshot missing or incomplete")
	ErrStepFault          = errors.New("pipeline step failed")
	ErrBootstrapTimeout   = errors.New("tor did not bootstrap within the configured window")
	ErrExternalToolMissing = errors.New("a required external binary is not in PATH")
	ErrTransient          = errors.New("timeout-guarded operation exceeded its bound")
)

// Fault is a torwall error carrying a Kind and a one-line remedial action,
// per spec §7 ("every terminal error message names one remedial action").
type Fault struct {
	Kind   Kind
	Remedy string
	Err    error
}

func (f *Fault) Error() string {
	if f.Remedy == "" {
		return f.Err.Error()
	}
	return f.Err.Error() + " (remedy: " + f.Remedy + ")"
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault of kind with a remedy, storing err as given; the
// per-kind constructors below pass an err that wraps the kind's sentinel.
func New(kind Kind, remedy string, err error) *Fault {
	return &Fault{Kind: kind, Remedy: remedy, Err: err}
}

// Permission, LockContention, etc. are convenience constructors used by
// components so call sites read naturally (faults.Permission("...")).
func Permission(detail string) *Fault {
	return New(KindPermission, "run with elevated privileges (sudo)", wrap(ErrPermission, detail))
}

func LockContention(detail string) *Fault {
	return New(KindLockContention, "wait for the other instance to exit, or remove a stale lock file", wrap(ErrLockContention, detail))
}

func UnsupportedHost(detail string) *Fault {
	return New(KindUnsupportedHost, "this host's distribution or firewall backend is not supported", wrap(ErrUnsupportedHost, detail))
}

func SnapshotInvalid(detail string) *Fault {
	return New(KindSnapshotInvalid, "use --restore to fall back to safe defaults", wrap(ErrSnapshotInvalid, detail))
}

func StepFault(detail string) *Fault {
	return New(KindStepFault, "use --restore to recover", wrap(ErrStepFault, detail))
}

func BootstrapTimeout(detail string) *Fault {
	return New(KindBootstrapTimeout, "check network connectivity to Tor relays, then retry", wrap(ErrBootstrapTimeout, detail))
}

func ExternalToolMissing(detail string) *Fault {
	return New(KindExternalToolMissing, "install the missing package", wrap(ErrExternalToolMissing, detail))
}

func Transient(detail string) *Fault {
	return New(KindTransient, "retry the operation", wrap(ErrTransient, detail))
}

func wrap(sentinel error, detail string) error {
	if detail == "" {
		return sentinel
	}
	return &detailedError{sentinel: sentinel, detail: detail}
}

type detailedError struct {
	sentinel error
	detail   string
}

func (d *detailedError) Error() string { return d.sentinel.Error() + ": " + d.detail }
func (d *detailedError) Unwrap() error { return d.sentinel }
