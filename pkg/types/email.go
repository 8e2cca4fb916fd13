package types

import (
	"sort"
	"strings"
	"time"
)

// Flag is a message flag. System flags use the IMAP backslash spelling,
// anything else is a custom keyword.
type Flag string

const (
	FlagSeen     Flag = `\Seen`
	FlagAnswered Flag = `\Answered`
	FlagFlagged  Flag = `\Flagged`
	FlagDeleted  Flag = `\Deleted`
	FlagDraft    Flag = `\Draft`
)

// IsCustom reports whether f is a keyword rather than a system flag.
func (f Flag) IsCustom() bool {
	switch f {
	case FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft:
		return false
	}
	return true
}

// ParseFlag normalizes the case of system flags. \Recent is session-only
// and reported as empty so callers can drop it.
func ParseFlag(s string) Flag {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case `\seen`:
		return FlagSeen
	case `\answered`:
		return FlagAnswered
	case `\flagged`:
		return FlagFlagged
	case `\deleted`:
		return FlagDeleted
	case `\draft`:
		return FlagDraft
	case `\recent`, "":
		return ""
	}
	return Flag(s)
}

// Flags is a sorted, duplicate free set of flags. The zero value is the
// empty set. Methods never mutate the receiver.
type Flags []Flag

// NewFlags builds a normalized flag set.
func NewFlags(flags ...Flag) Flags {
	seen := make(map[Flag]bool, len(flags))
	out := make(Flags, 0, len(flags))
	for _, f := range flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFlags builds a flag set from raw strings, e.g. an IMAP FLAGS list.
func ParseFlags(raw []string) Flags {
	flags := make([]Flag, 0, len(raw))
	for _, r := range raw {
		flags = append(flags, ParseFlag(r))
	}
	return NewFlags(flags...)
}

func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

func (fs Flags) Add(flags ...Flag) Flags {
	return NewFlags(append(append([]Flag{}, fs...), flags...)...)
}

func (fs Flags) Remove(flags ...Flag) Flags {
	drop := NewFlags(flags...)
	out := make(Flags, 0, len(fs))
	for _, f := range fs {
		if !drop.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (fs Flags) Union(other Flags) Flags {
	return fs.Add(other...)
}

func (fs Flags) Equal(other Flags) bool {
	a, b := NewFlags(fs...), NewFlags(other...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Strings returns the flags as plain strings, e.g. for an IMAP STORE.
func (fs Flags) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

func (fs Flags) String() string {
	if len(fs) == 0 {
		return "(none)"
	}
	return strings.Join(fs.Strings(), " ")
}

// Envelope summarizes one message of one folder on one side.
type Envelope struct {
	// ID is the backend local identifier (IMAP UID, Maildir unique name).
	ID string `json:"id"`
	// Identity is the cross-side comparison key, see package identity.
	Identity  string    `json:"identity"`
	MessageID string    `json:"message_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Flags     Flags     `json:"flags"`
	Date      time.Time `json:"date"`
	Size      int64     `json:"size"`
	// Touched is the last local modification time, zero when the backend
	// cannot tell.
	Touched time.Time `json:"touched,omitempty"`
}

// Folder represents an email folder/mailbox as seen by the sync engine
type Folder struct {
	Name       string     `json:"name"`
	Local      bool       `json:"local"`
	Remote     bool       `json:"remote"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
}
