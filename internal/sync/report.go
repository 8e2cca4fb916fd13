package sync

import (
	"time"
)

// Status is the outcome of one hunk.
type Status int

const (
	// StatusPending marks hunks of a dry run.
	StatusPending Status = iota
	StatusApplied
	StatusFailed
	// StatusSkipped marks hunks never dispatched because the run was
	// canceled.
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// HunkResult pairs a hunk with its outcome. Err is set iff Status is
// StatusFailed.
type HunkResult struct {
	Hunk   Hunk
	Status Status
	Err    error
}

// PatchReport lists hunks in patch order with their outcomes.
type PatchReport []HunkResult

func (p PatchReport) count(s Status) int {
	n := 0
	for _, r := range p {
		if r.Status == s {
			n++
		}
	}
	return n
}

func (p PatchReport) Applied() int { return p.count(StatusApplied) }
func (p PatchReport) Failed() int  { return p.count(StatusFailed) }
func (p PatchReport) Skipped() int { return p.count(StatusSkipped) }

// Errors returns the failed results.
func (p PatchReport) Errors() []HunkResult {
	var out []HunkResult
	for _, r := range p {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// ExpungeResult records one expunge of one folder on one side.
type ExpungeResult struct {
	Side   Side
	Folder string
	Err    error
}

// FolderError records a folder skipped during diffing, e.g. because
// listing its envelopes failed.
type FolderError struct {
	Folder string
	Err    error
}

// Report is the result of one sync run.
type Report struct {
	RunID    string
	Account  string
	Started  time.Time
	Finished time.Time
	DryRun   bool
	// Canceled is set when the run stopped dispatching hunks early.
	Canceled bool

	// Patch is the full patch computed from the listing snapshot.
	Patch SyncPatch

	Folder PatchReport
	Email  PatchReport

	Expunged     []ExpungeResult
	FolderErrors []FolderError
}

// Summary counts a report. Bytes is the size of applied copies,
// PendingBytes that of the copies a dry run would make.
type Summary struct {
	FolderHunks  int
	EmailHunks   int
	Applied      int
	Failed       int
	Skipped      int
	Bytes        int64
	PendingBytes int64
	FolderErrors int
	ExpungeFails int
}

func (r *Report) Summary() Summary {
	s := Summary{
		FolderHunks:  len(r.Folder),
		EmailHunks:   len(r.Email),
		Applied:      r.Folder.Applied() + r.Email.Applied(),
		Failed:       r.Folder.Failed() + r.Email.Failed(),
		Skipped:      r.Folder.Skipped() + r.Email.Skipped(),
		FolderErrors: len(r.FolderErrors),
	}
	for _, res := range r.Email {
		if res.Hunk.Kind != CopyMessage {
			continue
		}
		switch res.Status {
		case StatusApplied:
			s.Bytes += res.Hunk.Size
		case StatusPending:
			s.PendingBytes += res.Hunk.Size
		}
	}
	for _, e := range r.Expunged {
		if e.Err != nil {
			s.ExpungeFails++
		}
	}
	return s
}

// OK reports whether every attempted operation succeeded.
func (r *Report) OK() bool {
	s := r.Summary()
	return s.Failed == 0 && s.FolderErrors == 0 && s.ExpungeFails == 0
}
