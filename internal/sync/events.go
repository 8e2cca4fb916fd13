package sync

import gosync "sync"

// EventKind enumerates progress events.
type EventKind int

const (
	ListedAllFolders EventKind = iota
	ProcessedFolderHunk
	GeneratedEmailPatch
	ProcessedEmailHunk
	ProcessedAllEmailHunks
	ExpungedAllFolders
)

func (k EventKind) String() string {
	switch k {
	case ListedAllFolders:
		return "listed-all-folders"
	case ProcessedFolderHunk:
		return "processed-folder-hunk"
	case GeneratedEmailPatch:
		return "generated-email-patch"
	case ProcessedEmailHunk:
		return "processed-email-hunk"
	case ProcessedAllEmailHunks:
		return "processed-all-email-hunks"
	case ExpungedAllFolders:
		return "expunged-all-folders"
	}
	return "unknown"
}

// Event reports progress. Which fields are set depends on Kind:
//
//	ListedAllFolders        Total (folders after filtering)
//	ProcessedFolderHunk     Folder, Result, Done, Total
//	GeneratedEmailPatch     Folder, Total (hunks of the folder)
//	ProcessedEmailHunk      Folder, Result, Done, Total
//	ProcessedAllEmailHunks  Folder, Done, Total
//	ExpungedAllFolders      Total (folders expunged)
type Event struct {
	Kind   EventKind
	Folder string
	Result *HunkResult
	Done   int
	Total  int
}

// Handler consumes events. Calls are serialized, so a handler needs no
// locking of its own.
type Handler func(Event)

// emitter serializes handler calls. Hunk events are delivered in
// completion order.
type emitter struct {
	mu      gosync.Mutex
	handler Handler
}

func (e *emitter) emit(ev Event) {
	if e == nil || e.handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler(ev)
}
