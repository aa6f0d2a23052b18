package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RemoteRef identifies the repository and branch a mirror follows.
// An empty Branch means the remote's default branch.
type RemoteRef struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Mirror is the local on-disk reflection of one project's repository.
// LocalRoot is derived from ProjectID only.
type Mirror struct {
	ProjectID    string    `json:"projectId"`
	Remote       RemoteRef `json:"remote"`
	LocalRoot    string    `json:"-"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// PathEntry is a namespace-prefixed, slash separated file path relative to
// a mirror root, e.g. "root/src/main.go".
type PathEntry string

// HiddenMarker prefixes names that listings skip (".git", ".env", ...).
const HiddenMarker = "."

// DefaultNamespace is the logical root segment prepended to listed paths.
const DefaultNamespace = "root"

var (
	// ErrInvalidProject is returned for project IDs that are not a single
	// safe path segment.
	ErrInvalidProject = errors.New("invalid project id")

	// ErrInvalidRemote is returned when the remote URL is missing or unparsable.
	ErrInvalidRemote = errors.New("invalid remote reference")

	// ErrAuthRequired: credential absent, expired or rejected by the remote.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNetwork: the remote could not be reached.
	ErrNetwork = errors.New("network error")

	// ErrDirtyLocalState: the mirror cannot be fast-forwarded.
	ErrDirtyLocalState = errors.New("local mirror cannot fast-forward")
)

// SyncKind classifies a failed sync.
type SyncKind string

const (
	KindAuthRequired    SyncKind = "auth_required"
	KindNetwork         SyncKind = "network"
	KindDirtyLocalState SyncKind = "dirty_local_state"
	KindIO              SyncKind = "io"
	KindUnknown         SyncKind = "unknown"
)

// SyncError is returned by EnsureMirror for every clone or pull failure.
// errors.Is matches it against ErrAuthRequired, ErrNetwork and
// ErrDirtyLocalState according to Kind.
type SyncError struct {
	Kind   SyncKind
	Op     string
	Detail string
	Err    error
}

func (e *SyncError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is maps the kind onto the package sentinels.
func (e *SyncError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindAuthRequired:
		return target == ErrAuthRequired
	case KindNetwork:
		return target == ErrNetwork
	case KindDirtyLocalState:
		return target == ErrDirtyLocalState
	}
	return false
}

// KindOf returns the SyncKind of err, or KindUnknown.
func KindOf(err error) SyncKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// ValidateProjectID accepts IDs usable as one directory name: no separators,
// no leading marker, no "..".
func ValidateProjectID(id string) error {
	if strings.TrimSpace(id) != id || id == "" {
		return fmt.Errorf("%w: %q", ErrInvalidProject, id)
	}
	if strings.HasPrefix(id, HiddenMarker) || strings.ContainsAny(id, `/\:`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidProject, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character", ErrInvalidProject)
		}
	}
	return nil
}
