package sync

import (
	"sort"

	"github.com/brandon/mailsync/pkg/types"
)

// Duplicate is an envelope ignored because an earlier envelope of the
// same listing carries the same identity.
type Duplicate struct {
	Side     Side
	Identity string
	ID       string
}

// StateTarget is what the sync state records for an identity once all
// of its hunks succeeded.
type StateTarget struct {
	Flags  types.Flags
	Forget bool
}

// EnvelopeDiff is the envelope patch of one folder.
type EnvelopeDiff struct {
	Folder     string
	Hunks      []Hunk
	Targets    map[string]StateTarget
	Duplicates []Duplicate
}

// DiffEnvelopes compares the envelopes of folder on both sides. prior is
// identity → flags as of the last sync, nil or empty without history.
// Hunks are ordered by identity, local side first.
func DiffEnvelopes(folder string, local, remote []types.Envelope, prior map[string]types.Flags, policy FlagPolicy) EnvelopeDiff {
	diff := EnvelopeDiff{Folder: folder, Targets: make(map[string]StateTarget)}

	byLocal, dups := index(local, Local)
	diff.Duplicates = append(diff.Duplicates, dups...)
	byRemote, dups := index(remote, Remote)
	diff.Duplicates = append(diff.Duplicates, dups...)

	ids := make([]string, 0, len(byLocal)+len(byRemote))
	for id := range byLocal {
		ids = append(ids, id)
	}
	for id := range byRemote {
		if _, ok := byLocal[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, onLocal := byLocal[id]
		r, onRemote := byRemote[id]
		was, hasPrior := prior[id]

		switch {
		case onLocal && onRemote:
			merged := mergeFlags(was, hasPrior, l, r, policy)
			if !merged.Equal(l.Flags) {
				diff.Hunks = append(diff.Hunks, Hunk{
					Kind: UpdateFlags, Side: Local, Folder: folder, Identity: id,
					Flags: merged, TargetID: l.ID,
				})
			}
			if !merged.Equal(r.Flags) {
				diff.Hunks = append(diff.Hunks, Hunk{
					Kind: UpdateFlags, Side: Remote, Folder: folder, Identity: id,
					Flags: merged, TargetID: r.ID,
				})
			}
			diff.Targets[id] = StateTarget{Flags: merged}

		case hasPrior:
			// synced before, so the missing side deleted it
			present, side := l, Local
			if onRemote {
				present, side = r, Remote
			}
			diff.Hunks = append(diff.Hunks, Hunk{
				Kind: DeleteMessage, Side: side, Folder: folder, Identity: id,
				TargetID: present.ID,
			})
			diff.Targets[id] = StateTarget{Forget: true}

		default:
			present, from := l, Local
			if onRemote {
				present, from = r, Remote
			}
			// about to be expunged where it is, not worth copying
			if present.Flags.Has(types.FlagDeleted) {
				continue
			}
			diff.Hunks = append(diff.Hunks, Hunk{
				Kind: CopyMessage, Side: from.Other(), From: from, Folder: folder, Identity: id,
				Flags: present.Flags, SourceID: present.ID, Size: present.Size,
			})
			diff.Targets[id] = StateTarget{Flags: present.Flags}
		}
	}
	return diff
}

// index maps identity → envelope, keeping the first envelope of each
// identity in listing order.
func index(envelopes []types.Envelope, side Side) (map[string]types.Envelope, []Duplicate) {
	out := make(map[string]types.Envelope, len(envelopes))
	var dups []Duplicate
	for _, env := range envelopes {
		if _, ok := out[env.Identity]; ok {
			dups = append(dups, Duplicate{Side: side, Identity: env.Identity, ID: env.ID})
			continue
		}
		out[env.Identity] = env
	}
	return out, dups
}

// NextState computes the sync state to record for a folder after its
// patch ran. An identity takes its target only when every one of its
// hunks succeeded; otherwise it keeps its prior entry. Identities
// flagged \Deleted are left out since expunge removes them.
func NextState(prior map[string]types.Flags, diff EnvelopeDiff, results []HunkResult) map[string]types.Flags {
	failed := make(map[string]bool)
	for _, r := range results {
		if r.Status != StatusApplied {
			failed[r.Hunk.Identity] = true
		}
	}

	next := make(map[string]types.Flags, len(diff.Targets))
	for id, target := range diff.Targets {
		if failed[id] {
			if flags, ok := prior[id]; ok {
				next[id] = flags
			}
			continue
		}
		if target.Forget || target.Flags.Has(types.FlagDeleted) {
			continue
		}
		next[id] = target.Flags
	}
	return next
}
