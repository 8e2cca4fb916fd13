package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/pkg/types"
)

// State is the phase a Syncer is in.
type State int

const (
	Idle State = iota
	ListingFolders
	DiffingFolders
	ApplyingFolderPatch
	DiffingEnvelopes
	ApplyingEnvelopePatch
	Expunging
	Done
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ListingFolders:
		return "listing-folders"
	case DiffingFolders:
		return "diffing-folders"
	case ApplyingFolderPatch:
		return "applying-folder-patch"
	case DiffingEnvelopes:
		return "diffing-envelopes"
	case ApplyingEnvelopePatch:
		return "applying-envelope-patch"
	case Expunging:
		return "expunging"
	case Done:
		return "done"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// StateStore persists what the last sync saw. *cache.AccountState
// implements it.
type StateStore interface {
	MapperSource
	KnownFolders(ctx context.Context) ([]string, error)
	RecordFolders(ctx context.Context, names []string) error
	ForgetFolder(ctx context.Context, name string) error
	LoadFolderState(ctx context.Context, folder string) (map[string]types.Flags, error)
	SaveFolderState(ctx context.Context, folder string, state map[string]types.Flags) error
	ResetMapper(side, folder string) error
}

// Options tune a Syncer.
type Options struct {
	Account     string
	Concurrency int
	FlagPolicy  FlagPolicy
	DeleteMode  string
	// Filter applies when Sync is called with FilterNone.
	Filter  FolderFilter
	Handler Handler
}

// Syncer drives one account pair through a sync run. Concurrent runs on
// one Syncer are not supported.
type Syncer struct {
	local  backend.Backend
	remote backend.Backend
	state  StateStore
	opts   Options
	logger *logrus.Logger

	mu      gosync.Mutex
	current State
}

func NewSyncer(local, remote backend.Backend, state StateStore, opts Options, logger *logrus.Logger) *Syncer {
	if opts.FlagPolicy == "" {
		opts.FlagPolicy = PolicyRecent
	}
	if opts.Filter.Kind == FilterNone {
		opts.Filter = AllFolders()
	}
	return &Syncer{
		local:  local,
		remote: remote,
		state:  state,
		opts:   opts,
		logger: logger,
	}
}

// State returns the current phase.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Syncer) enter(st State) {
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"account": s.opts.Account, "state": st.String()}).Debug("Sync state")
}

// folderPlan carries one folder from diffing to state saving.
type folderPlan struct {
	name    string
	diff    EnvelopeDiff
	prior   map[string]types.Flags
	results PatchReport
}

// Sync runs one pass. An error is returned only for failures before any
// hunk was applied; everything after is recorded in the report. A dry
// run computes the same patch but leaves both sides and the state
// untouched.
func (s *Syncer) Sync(ctx context.Context, filter FolderFilter, dryRun bool) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Account: s.opts.Account,
		Started: time.Now(),
		DryRun:  dryRun,
	}
	log := s.logger.WithFields(logrus.Fields{"account": s.opts.Account, "run": report.RunID, "dry_run": dryRun})
	applicator := NewApplicator(s.local, s.remote, s.state, s.opts.Concurrency, s.opts.DeleteMode, s.opts.Handler, s.logger)
	events := applicator.events
	filter = filter.Or(s.opts.Filter)

	s.enter(ListingFolders)
	local, remote, known, err := s.listFolders(ctx)
	if err != nil {
		s.enter(Fatal)
		return nil, err
	}

	s.enter(DiffingFolders)
	folders := DiffFolders(local, remote, known, filter)
	events.emit(Event{Kind: ListedAllFolders, Total: len(folders.Synced) + countKind(folders.Hunks, DeleteFolder)})
	log.WithFields(logrus.Fields{
		"filter":  filter.String(),
		"folders": len(folders.Synced),
		"hunks":   len(folders.Hunks),
	}).Debug("Diffed folders")

	if err := ctx.Err(); err != nil {
		s.enter(Fatal)
		return nil, err
	}

	// folders that do not exist on a side yet and are listed as empty
	missing := make(map[string]Side)
	synced := folders.Synced

	if dryRun {
		report.Folder = pending(folders.Hunks)
		for _, h := range folders.Hunks {
			if h.Kind == CreateFolder {
				missing[h.Folder] = h.Side
			}
		}
	} else {
		s.enter(ApplyingFolderPatch)
		var canceled bool
		report.Folder, canceled = applicator.Apply(ctx, folders.Hunks, ProcessedFolderHunk)
		report.Canceled = canceled
		synced = s.settleFolders(ctx, log, folders, report.Folder)
	}

	envelopePatches := make(map[string][]Hunk)
	var plans []*folderPlan

	for _, name := range synced {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}

		s.enter(DiffingEnvelopes)
		plan, err := s.diffFolder(ctx, name, missing, dryRun)
		if err != nil {
			log.WithError(err).WithField("folder", name).Warn("Skipping folder")
			report.FolderErrors = append(report.FolderErrors, FolderError{Folder: name, Err: err})
			continue
		}
		for _, d := range plan.diff.Duplicates {
			log.WithFields(logrus.Fields{
				"folder":   name,
				"side":     d.Side.String(),
				"id":       d.ID,
				"identity": d.Identity,
			}).Warn("Ignoring message with duplicate identity")
		}
		envelopePatches[name] = plan.diff.Hunks
		plans = append(plans, plan)
		events.emit(Event{Kind: GeneratedEmailPatch, Folder: name, Total: len(plan.diff.Hunks)})

		if dryRun {
			report.Email = append(report.Email, pending(plan.diff.Hunks)...)
			continue
		}

		s.enter(ApplyingEnvelopePatch)
		results, canceled := applicator.Apply(ctx, plan.diff.Hunks, ProcessedEmailHunk)
		plan.results = results
		report.Email = append(report.Email, results...)
		events.emit(Event{Kind: ProcessedAllEmailHunks, Folder: name, Done: len(results) - results.Skipped(), Total: len(results)})

		if err := s.state.SaveFolderState(context.WithoutCancel(ctx), name, NextState(plan.prior, plan.diff, results)); err != nil {
			log.WithError(err).WithField("folder", name).Warn("Failed to save sync state")
			report.FolderErrors = append(report.FolderErrors, FolderError{Folder: name, Err: err})
		}

		log.WithFields(logrus.Fields{
			"folder":  name,
			"hunks":   len(results),
			"applied": results.Applied(),
			"failed":  results.Failed(),
		}).Info("Synced folder")

		if canceled {
			report.Canceled = true
			break
		}
	}

	report.Patch = BuildPatch(folders.Hunks, filter, envelopePatches)

	if !dryRun && !report.Canceled {
		s.enter(Expunging)
		report.Expunged = s.expunge(ctx, plans)
		events.emit(Event{Kind: ExpungedAllFolders, Total: len(plans)})
	}

	s.enter(Done)
	report.Finished = time.Now()

	sum := report.Summary()
	log.WithFields(logrus.Fields{
		"hunks":    sum.FolderHunks + sum.EmailHunks,
		"applied":  sum.Applied,
		"failed":   sum.Failed,
		"skipped":  sum.Skipped,
		"canceled": report.Canceled,
	}).Info("Sync finished")
	return report, nil
}

// listFolders lists both sides and the registry concurrently.
func (s *Syncer) listFolders(ctx context.Context) (local, remote, known []string, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		names, err := s.local.ListFolders(gctx)
		if err != nil {
			return fmt.Errorf("failed to list local folders: %w", err)
		}
		local = names
		return nil
	})
	g.Go(func() error {
		names, err := s.remote.ListFolders(gctx)
		if err != nil {
			return fmt.Errorf("failed to list remote folders: %w", err)
		}
		remote = names
		return nil
	})
	g.Go(func() error {
		names, err := s.state.KnownFolders(gctx)
		if err != nil {
			return fmt.Errorf("failed to read folder registry: %w", err)
		}
		known = names
		return nil
	})
	err = g.Wait()
	return local, remote, known, err
}

// settleFolders updates the registry after the folder patch and returns
// the folders whose envelopes are synced next. Folders whose creation
// did not succeed are left out.
func (s *Syncer) settleFolders(ctx context.Context, log *logrus.Entry, diff FolderDiff, results PatchReport) []string {
	ctx = context.WithoutCancel(ctx)
	failed := make(map[string]bool)

	for _, r := range results {
		switch {
		case r.Status != StatusApplied:
			failed[r.Hunk.Folder] = true
		case r.Hunk.Kind == DeleteFolder:
			s.forget(ctx, log, r.Hunk.Folder)
		}
	}
	for _, name := range diff.Forgotten {
		s.forget(ctx, log, name)
	}

	var synced []string
	for _, name := range diff.Synced {
		if !failed[name] {
			synced = append(synced, name)
		}
	}
	if err := s.state.RecordFolders(ctx, synced); err != nil {
		log.WithError(err).Warn("Failed to record folders")
	}
	return synced
}

// forget drops a deleted folder's state and starts new mapper
// generations for it.
func (s *Syncer) forget(ctx context.Context, log *logrus.Entry, folder string) {
	if err := s.state.ForgetFolder(ctx, folder); err != nil {
		log.WithError(err).WithField("folder", folder).Warn("Failed to forget folder")
	}
	for _, side := range []Side{Local, Remote} {
		if err := s.state.ResetMapper(side.String(), folder); err != nil {
			log.WithError(err).WithField("folder", folder).Warn("Failed to reset ID mapper")
		}
	}
}

// diffFolder lists both sides of folder and computes its patch. A side
// in missing does not have the folder yet and counts as empty. Dry runs
// leave the ID mappers alone.
func (s *Syncer) diffFolder(ctx context.Context, folder string, missing map[string]Side, dryRun bool) (*folderPlan, error) {
	var local, remote []types.Envelope
	var prior map[string]types.Flags

	g, gctx := errgroup.WithContext(ctx)
	list := func(side Side, b backend.Backend, out *[]types.Envelope) func() error {
		return func() error {
			if m, ok := missing[folder]; ok && m == side {
				return nil
			}
			envs, err := b.ListEnvelopes(gctx, folder)
			if err != nil {
				return fmt.Errorf("failed to list %s envelopes: %w", side, err)
			}
			*out = envs
			if !dryRun {
				s.register(side, folder, envs)
			}
			return nil
		}
	}
	g.Go(list(Local, s.local, &local))
	g.Go(list(Remote, s.remote, &remote))
	g.Go(func() error {
		p, err := s.state.LoadFolderState(gctx, folder)
		if err != nil {
			return fmt.Errorf("failed to load sync state: %w", err)
		}
		prior = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &folderPlan{
		name:  folder,
		diff:  DiffEnvelopes(folder, local, remote, prior, s.opts.FlagPolicy),
		prior: prior,
	}, nil
}

// register appends listed ids to the side's ID mapper so every message
// has a short alias.
func (s *Syncer) register(side Side, folder string, envs []types.Envelope) {
	if len(envs) == 0 {
		return
	}
	entries := make([]cache.Entry, 0, len(envs))
	for _, env := range envs {
		entries = append(entries, cache.EntryFor(env.ID))
	}
	if _, err := s.state.Mapper(side.String(), folder).Append(entries); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"side":   side.String(),
			"folder": folder,
		}).Warn("Failed to update ID mapper")
	}
}

// expunge runs once per synced folder and side, after all hunks settled.
func (s *Syncer) expunge(ctx context.Context, plans []*folderPlan) []ExpungeResult {
	ctx = context.WithoutCancel(ctx)
	var out []ExpungeResult
	for _, plan := range plans {
		for _, side := range []Side{Local, Remote} {
			b := s.local
			if side == Remote {
				b = s.remote
			}
			err := b.ExpungeFolder(ctx, plan.name)
			if err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"side":   side.String(),
					"folder": plan.name,
				}).Warn("Expunge failed")
			}
			out = append(out, ExpungeResult{Side: side, Folder: plan.name, Err: err})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

func pending(hunks []Hunk) PatchReport {
	out := make(PatchReport, len(hunks))
	for i, h := range hunks {
		out[i] = HunkResult{Hunk: h, Status: StatusPending}
	}
	return out
}

func countKind(hunks []Hunk, kind HunkKind) int {
	n := 0
	for _, h := range hunks {
		if h.Kind == kind {
			n++
		}
	}
	return n
}
