package sync

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

func env(id, ident string, flags ...types.Flag) types.Envelope {
	return types.Envelope{ID: id, Identity: ident, Flags: types.NewFlags(flags...)}
}

func TestDiffFolders(t *testing.T) {
	local := []string{"INBOX", "Drafts", "Old"}
	remote := []string{"INBOX", "Sent", "Gone"}
	known := []string{"INBOX", "Old", "Gone", "Stale"}

	diff := DiffFolders(local, remote, known, AllFolders())
	assert.Equal(t, []Hunk{
		{Kind: CreateFolder, Side: Remote, Folder: "Drafts"},
		{Kind: DeleteFolder, Side: Remote, Folder: "Gone"},
		{Kind: DeleteFolder, Side: Local, Folder: "Old"},
		{Kind: CreateFolder, Side: Local, Folder: "Sent"},
	}, diff.Hunks)
	assert.Equal(t, []string{"Drafts", "INBOX", "Sent"}, diff.Synced)
	assert.Equal(t, []string{"Stale"}, diff.Forgotten)
}

func TestDiffFoldersFilter(t *testing.T) {
	local := []string{"INBOX", "Spam"}
	remote := []string{"INBOX", "Trash", "inbox"}

	diff := DiffFolders(local, remote, nil, ExcludeFolders("Spam", "Trash"))
	assert.Equal(t, []string{"INBOX"}, diff.Synced[:1])
	require.Len(t, diff.Hunks, 1, "names are case sensitive")
	assert.Equal(t, Hunk{Kind: CreateFolder, Side: Local, Folder: "inbox"}, diff.Hunks[0])

	diff = DiffFolders(local, remote, nil, IncludeFolders("Spam"))
	assert.Equal(t, []Hunk{{Kind: CreateFolder, Side: Remote, Folder: "Spam"}}, diff.Hunks)
	assert.Equal(t, []string{"Spam"}, diff.Synced)
}

func TestFolderFilter(t *testing.T) {
	assert.True(t, FolderFilter{}.Match("x"))
	assert.True(t, AllFolders().Match("x"))
	assert.True(t, IncludeFolders("x").Match("x"))
	assert.False(t, IncludeFolders("x").Match("X"))
	assert.False(t, ExcludeFolders("x").Match("x"))

	fallback := ExcludeFolders("Spam")
	assert.Equal(t, fallback, FolderFilter{}.Or(fallback))
	assert.Equal(t, AllFolders(), AllFolders().Or(fallback))

	assert.Equal(t, FilterInclude, FilterFromConfig(config.FoldersConfig{Include: []string{"a"}, Exclude: []string{"b"}}).Kind)
	assert.Equal(t, FilterExclude, FilterFromConfig(config.FoldersConfig{Exclude: []string{"b"}}).Kind)
	assert.Equal(t, FilterAll, FilterFromConfig(config.FoldersConfig{}).Kind)
	assert.Equal(t, "exclude(Spam,Trash)", ExcludeFolders("Trash", "Spam").String())
}

func TestDiffEnvelopesExample(t *testing.T) {
	local := []types.Envelope{env("l1", "A", types.FlagSeen)}
	remote := []types.Envelope{
		env("r1", "A", types.FlagSeen, types.FlagFlagged),
		env("r2", "B"),
	}

	diff := DiffEnvelopes("INBOX", local, remote, nil, PolicyRecent)
	assert.Equal(t, []Hunk{
		{Kind: UpdateFlags, Side: Local, Folder: "INBOX", Identity: "A", Flags: types.NewFlags(types.FlagSeen, types.FlagFlagged), TargetID: "l1"},
		{Kind: CopyMessage, Side: Local, From: Remote, Folder: "INBOX", Identity: "B", Flags: types.NewFlags(), SourceID: "r2"},
	}, diff.Hunks)
}

func TestDiffEnvelopesCopySymmetry(t *testing.T) {
	local := []types.Envelope{env("1", "a"), env("2", "c"), env("3", "shared")}
	remote := []types.Envelope{env("7", "b"), env("8", "d"), env("9", "shared")}

	diff := DiffEnvelopes("INBOX", local, remote, nil, PolicyRecent)
	require.Len(t, diff.Hunks, 4)

	for _, h := range diff.Hunks {
		assert.Equal(t, CopyMessage, h.Kind)
		assert.Equal(t, h.From.Other(), h.Side)
	}
	var order []string
	for _, h := range diff.Hunks {
		order = append(order, h.Identity+"→"+h.Side.String())
	}
	assert.Equal(t, []string{"a→remote", "b→local", "c→remote", "d→local"}, order)
}

func TestDiffEnvelopesDeletion(t *testing.T) {
	prior := map[string]types.Flags{"a": nil, "b": nil}
	local := []types.Envelope{env("1", "a")}
	remote := []types.Envelope{env("9", "b")}

	diff := DiffEnvelopes("INBOX", local, remote, prior, PolicyRecent)
	assert.Equal(t, []Hunk{
		{Kind: DeleteMessage, Side: Local, Folder: "INBOX", Identity: "a", TargetID: "1"},
		{Kind: DeleteMessage, Side: Remote, Folder: "INBOX", Identity: "b", TargetID: "9"},
	}, diff.Hunks)
	assert.True(t, diff.Targets["a"].Forget)
}

func TestDiffEnvelopesSkipsDeletedCopies(t *testing.T) {
	remote := []types.Envelope{env("9", "b", types.FlagDeleted)}
	diff := DiffEnvelopes("INBOX", nil, remote, nil, PolicyRecent)
	assert.Empty(t, diff.Hunks)
}

func TestDiffEnvelopesDuplicates(t *testing.T) {
	local := []types.Envelope{env("1", "a", types.FlagSeen), env("2", "a")}
	remote := []types.Envelope{env("9", "a", types.FlagSeen)}

	diff := DiffEnvelopes("INBOX", local, remote, nil, PolicyRecent)
	assert.Empty(t, diff.Hunks)
	assert.Equal(t, []Duplicate{{Side: Local, Identity: "a", ID: "2"}}, diff.Duplicates)
}

func TestMergeThreeWay(t *testing.T) {
	seen, flagged := types.FlagSeen, types.FlagFlagged
	prior := types.NewFlags(seen, flagged)

	// local removed Flagged, remote added Answered
	local := env("1", "a", seen)
	remote := env("2", "a", seen, flagged, types.FlagAnswered)

	for _, policy := range []FlagPolicy{PolicyRecent, PolicyRemote, PolicyLocal, PolicyUnion} {
		merged := mergeFlags(prior, true, local, remote, policy)
		assert.True(t, types.NewFlags(seen, types.FlagAnswered).Equal(merged), "%s: %s", policy, merged)
	}
}

func TestMergePolicies(t *testing.T) {
	now := time.Now()
	local := env("1", "a", types.FlagSeen)
	remote := env("2", "a", types.FlagFlagged)

	assert.Equal(t, remote.Flags, mergeFlags(nil, false, local, remote, PolicyRemote))
	assert.Equal(t, local.Flags, mergeFlags(nil, false, local, remote, PolicyLocal))
	assert.Equal(t, types.NewFlags(types.FlagSeen, types.FlagFlagged), mergeFlags(nil, false, local, remote, PolicyUnion))

	// recency unknown
	assert.Equal(t, remote.Flags, mergeFlags(nil, false, local, remote, PolicyRecent))

	local.Touched = now
	remote.Touched = now.Add(-time.Minute)
	assert.Equal(t, local.Flags, mergeFlags(nil, false, local, remote, PolicyRecent))

	remote.Touched = now.Add(time.Minute)
	assert.Equal(t, remote.Flags, mergeFlags(nil, false, local, remote, PolicyRecent))

	_, err := ParseFlagPolicy("newest")
	assert.Error(t, err)
	p, err := ParseFlagPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRecent, p)
}

func TestNextState(t *testing.T) {
	prior := map[string]types.Flags{
		"kept":    types.NewFlags(types.FlagSeen),
		"deleted": nil,
		"retry":   nil,
	}
	diff := EnvelopeDiff{
		Targets: map[string]StateTarget{
			"kept":    {Flags: types.NewFlags(types.FlagSeen, types.FlagFlagged)},
			"deleted": {Forget: true},
			"retry":   {Forget: true},
			"copied":  {Flags: types.NewFlags(types.FlagDraft)},
			"failed":  {Flags: nil},
			"trashed": {Flags: types.NewFlags(types.FlagDeleted)},
		},
	}
	results := []HunkResult{
		{Hunk: Hunk{Identity: "kept"}, Status: StatusApplied},
		{Hunk: Hunk{Identity: "kept"}, Status: StatusFailed, Err: errors.New("boom")},
		{Hunk: Hunk{Identity: "deleted"}, Status: StatusApplied},
		{Hunk: Hunk{Identity: "retry"}, Status: StatusSkipped},
		{Hunk: Hunk{Identity: "copied"}, Status: StatusApplied},
		{Hunk: Hunk{Identity: "failed"}, Status: StatusFailed, Err: errors.New("boom")},
	}

	next := NextState(prior, diff, results)
	assert.Len(t, next, 3)
	assert.Equal(t, types.NewFlags(types.FlagSeen), next["kept"], "partially applied keeps prior")
	assert.Contains(t, next, "retry")
	assert.Equal(t, types.NewFlags(types.FlagDraft), next["copied"])
	assert.NotContains(t, next, "deleted")
	assert.NotContains(t, next, "failed")
	assert.NotContains(t, next, "trashed")
}

func TestBuildPatchAndPreview(t *testing.T) {
	folderHunks := []Hunk{
		{Kind: CreateFolder, Side: Local, Folder: "Sent"},
		{Kind: CreateFolder, Side: Local, Folder: "Spam"},
	}
	envelopes := map[string][]Hunk{
		"Sent":  {{Kind: CopyMessage, Side: Local, From: Remote, Folder: "Sent", Identity: "abcdef0123456789", Size: 2048}},
		"INBOX": {{Kind: UpdateFlags, Side: Remote, Folder: "INBOX", Identity: "0123", Flags: types.NewFlags(types.FlagSeen)}},
		"Empty": nil,
		"Spam":  {{Kind: CopyMessage, Side: Local, From: Remote, Folder: "Spam", Identity: "ff"}},
	}

	p := BuildPatch(folderHunks, ExcludeFolders("Spam"), envelopes)
	assert.Len(t, p.Folders, 1)
	require.Len(t, p.Emails, 2)
	assert.Equal(t, "INBOX", p.Emails[0].Folder)
	assert.Equal(t, "Sent", p.Emails[1].Folder)
	assert.Equal(t, 3, p.Len())

	preview := p.Preview()
	assert.Contains(t, preview, "create-folder")
	assert.Contains(t, preview, "abcdef012345")
	assert.Contains(t, preview, "remote → local")
	assert.Contains(t, preview, `\Seen`)
	assert.True(t, strings.HasSuffix(preview, "3 hunks, 2.0 kB to copy\n"), preview)

	assert.Equal(t, "Nothing to do.\n", SyncPatch{}.Preview())
}

func TestHunkString(t *testing.T) {
	h := Hunk{Kind: CopyMessage, Side: Local, From: Remote, Folder: "INBOX", Identity: "0123456789abcdef"}
	assert.Equal(t, "copy INBOX/0123456789ab from remote to local", h.String())

	h = Hunk{Kind: DeleteFolder, Side: Remote, Folder: "Old"}
	assert.Equal(t, "delete-folder Old on remote", h.String())
}
