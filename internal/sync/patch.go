package sync

import (
	"sort"
	"strings"
)

// FolderPatch is the envelope patch of one folder.
type FolderPatch struct {
	Folder string
	Hunks  []Hunk
}

// SyncPatch is the folder patch followed by the envelope patches of the
// synced folders, in folder name order.
type SyncPatch struct {
	Folders []Hunk
	Emails  []FolderPatch
}

// BuildPatch assembles a patch. Hunks of folders rejected by filter are
// dropped, as are empty envelope patches. It does no I/O.
func BuildPatch(folderHunks []Hunk, filter FolderFilter, envelopes map[string][]Hunk) SyncPatch {
	var p SyncPatch
	for _, h := range folderHunks {
		if filter.Match(h.Folder) {
			p.Folders = append(p.Folders, h)
		}
	}

	folders := make([]string, 0, len(envelopes))
	for f, hunks := range envelopes {
		if len(hunks) > 0 && filter.Match(f) {
			folders = append(folders, f)
		}
	}
	sort.Strings(folders)
	for _, f := range folders {
		p.Emails = append(p.Emails, FolderPatch{Folder: f, Hunks: envelopes[f]})
	}
	return p
}

// Len is the number of hunks.
func (p SyncPatch) Len() int {
	n := len(p.Folders)
	for _, fp := range p.Emails {
		n += len(fp.Hunks)
	}
	return n
}

func (p SyncPatch) Empty() bool { return p.Len() == 0 }

// EmailHunks returns all envelope hunks in patch order.
func (p SyncPatch) EmailHunks() []Hunk {
	var out []Hunk
	for _, fp := range p.Emails {
		out = append(out, fp.Hunks...)
	}
	return out
}

// Preview renders the patch as a table without applying it.
func (p SyncPatch) Preview() string {
	var b strings.Builder
	RenderPatch(&b, p)
	return b.String()
}
