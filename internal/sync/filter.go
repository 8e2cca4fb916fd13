package sync

import (
	"sort"
	"strings"

	"github.com/brandon/mailsync/internal/config"
)

// FilterKind selects how a FolderFilter matches.
type FilterKind int

const (
	// FilterNone defers to the account's configured filter.
	FilterNone FilterKind = iota
	FilterAll
	FilterInclude
	FilterExclude
)

// FolderFilter restricts which folders a run considers. Names compare
// exactly and case-sensitively.
type FolderFilter struct {
	Kind  FilterKind
	Names map[string]struct{}
}

func AllFolders() FolderFilter { return FolderFilter{Kind: FilterAll} }

func IncludeFolders(names ...string) FolderFilter {
	return FolderFilter{Kind: FilterInclude, Names: nameSet(names)}
}

func ExcludeFolders(names ...string) FolderFilter {
	return FolderFilter{Kind: FilterExclude, Names: nameSet(names)}
}

// FilterFromConfig builds the filter an account is configured with.
// Include wins over Exclude.
func FilterFromConfig(cfg config.FoldersConfig) FolderFilter {
	switch {
	case len(cfg.Include) > 0:
		return IncludeFolders(cfg.Include...)
	case len(cfg.Exclude) > 0:
		return ExcludeFolders(cfg.Exclude...)
	}
	return AllFolders()
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Or returns f unless it is FilterNone.
func (f FolderFilter) Or(fallback FolderFilter) FolderFilter {
	if f.Kind == FilterNone {
		return fallback
	}
	return f
}

// Match reports whether folder takes part in the run. FilterNone
// matches everything.
func (f FolderFilter) Match(folder string) bool {
	_, listed := f.Names[folder]
	switch f.Kind {
	case FilterInclude:
		return listed
	case FilterExclude:
		return !listed
	}
	return true
}

func (f FolderFilter) String() string {
	names := make([]string, 0, len(f.Names))
	for n := range f.Names {
		names = append(names, n)
	}
	sort.Strings(names)
	switch f.Kind {
	case FilterAll:
		return "all"
	case FilterInclude:
		return "include(" + strings.Join(names, ",") + ")"
	case FilterExclude:
		return "exclude(" + strings.Join(names, ",") + ")"
	}
	return "default"
}
