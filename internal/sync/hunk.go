// Package sync reconciles the remote store of an account with its local
// cache. A run lists both sides, diffs folders and envelopes into a
// patch, applies the patch hunk by hunk and reports every outcome.
package sync

import (
	"fmt"

	"github.com/brandon/mailsync/internal/identity"
	"github.com/brandon/mailsync/pkg/types"
)

// Side is one of the two stores being reconciled.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Local {
		return Remote
	}
	return Local
}

// HunkKind enumerates the atomic changes a patch is made of.
type HunkKind int

const (
	CreateFolder HunkKind = iota
	DeleteFolder
	CopyMessage
	DeleteMessage
	UpdateFlags
)

func (k HunkKind) String() string {
	switch k {
	case CreateFolder:
		return "create-folder"
	case DeleteFolder:
		return "delete-folder"
	case CopyMessage:
		return "copy"
	case DeleteMessage:
		return "delete"
	case UpdateFlags:
		return "update-flags"
	}
	return fmt.Sprintf("hunk(%d)", int(k))
}

// Hunk is one directional change. Side is the store being mutated; for
// copies From is the store read from.
type Hunk struct {
	Kind     HunkKind
	Side     Side
	From     Side
	Folder   string
	Identity string

	// Flags holds the new flags of UpdateFlags and the flags a copy is
	// stored with.
	Flags types.Flags

	// SourceID is the message id on From, for copies. TargetID is the
	// message id on Side, for deletes and flag updates.
	SourceID string
	TargetID string

	// Size of the copied message, for previews.
	Size int64
}

// IsFolder reports whether h is a folder level hunk.
func (h Hunk) IsFolder() bool {
	return h.Kind == CreateFolder || h.Kind == DeleteFolder
}

// key groups hunks that must not run concurrently.
func (h Hunk) key() string {
	if h.IsFolder() {
		return "folder\x00" + h.Folder
	}
	return h.Folder + "\x00" + h.Identity
}

func (h Hunk) String() string {
	short := identity.Short(h.Identity, 12)
	switch h.Kind {
	case CreateFolder, DeleteFolder:
		return fmt.Sprintf("%s %s on %s", h.Kind, h.Folder, h.Side)
	case CopyMessage:
		return fmt.Sprintf("copy %s/%s from %s to %s", h.Folder, short, h.From, h.Side)
	case DeleteMessage:
		return fmt.Sprintf("delete %s/%s on %s", h.Folder, short, h.Side)
	case UpdateFlags:
		return fmt.Sprintf("update-flags %s/%s on %s to %s", h.Folder, short, h.Side, h.Flags)
	}
	return h.Kind.String()
}
