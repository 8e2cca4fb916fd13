package sync

import "sort"

// FolderDiff is the outcome of comparing folder names.
type FolderDiff struct {
	Hunks []Hunk
	// Synced lists the folders whose envelopes are diffed afterwards:
	// folders on both sides and folders about to be created.
	Synced []string
	// Forgotten lists registry entries that exist on neither side.
	Forgotten []string
}

// DiffFolders compares the folder names of both sides. known holds the
// folders recorded on both sides at the last sync; a known folder that
// is gone from one side is deleted from the other instead of being
// recreated. Folders rejected by filter are ignored entirely.
func DiffFolders(local, remote, known []string, filter FolderFilter) FolderDiff {
	onLocal := nameSet(local)
	onRemote := nameSet(remote)
	wasKnown := nameSet(known)

	union := make(map[string]struct{}, len(onLocal)+len(onRemote)+len(wasKnown))
	for _, set := range []map[string]struct{}{onLocal, onRemote, wasKnown} {
		for n := range set {
			if filter.Match(n) {
				union[n] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(union))
	for n := range union {
		names = append(names, n)
	}
	sort.Strings(names)

	var diff FolderDiff
	for _, name := range names {
		_, l := onLocal[name]
		_, r := onRemote[name]
		_, k := wasKnown[name]

		switch {
		case l && r:
			diff.Synced = append(diff.Synced, name)
		case r && k:
			diff.Hunks = append(diff.Hunks, Hunk{Kind: DeleteFolder, Side: Remote, Folder: name})
		case l && k:
			diff.Hunks = append(diff.Hunks, Hunk{Kind: DeleteFolder, Side: Local, Folder: name})
		case r:
			diff.Hunks = append(diff.Hunks, Hunk{Kind: CreateFolder, Side: Local, Folder: name})
			diff.Synced = append(diff.Synced, name)
		case l:
			diff.Hunks = append(diff.Hunks, Hunk{Kind: CreateFolder, Side: Remote, Folder: name})
			diff.Synced = append(diff.Synced, name)
		default:
			diff.Forgotten = append(diff.Forgotten, name)
		}
	}
	return diff
}
