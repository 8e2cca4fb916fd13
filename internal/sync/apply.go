package sync

import (
	"context"
	gosync "sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

// MapperSource hands out the ID mapper of one side of one folder.
type MapperSource interface {
	Mapper(side, folder string) cache.Mapper
}

// Applicator runs hunks against the two backends. Hunks touching the
// same folder or message run one after another; others run concurrently
// up to the configured limit.
type Applicator struct {
	local      backend.Backend
	remote     backend.Backend
	mappers    MapperSource
	limit      int
	deleteMode string
	events     *emitter
	logger     *logrus.Logger
}

// NewApplicator creates an applicator. mappers may be nil.
func NewApplicator(local, remote backend.Backend, mappers MapperSource, limit int, deleteMode string, handler Handler, logger *logrus.Logger) *Applicator {
	if limit < 1 {
		limit = 1
	}
	if deleteMode == "" {
		deleteMode = config.DeleteModeExpunge
	}
	return &Applicator{
		local:      local,
		remote:     remote,
		mappers:    mappers,
		limit:      limit,
		deleteMode: deleteMode,
		events:     &emitter{handler: handler},
		logger:     logger,
	}
}

func (a *Applicator) side(s Side) backend.Backend {
	if s == Local {
		return a.local
	}
	return a.remote
}

// Apply runs hunks and returns their outcomes in hunk order. Each
// completed hunk emits an event of kind. Once ctx is canceled no further
// hunk starts; hunks already running finish, and the ones never started
// are reported as skipped. The second result reports cancellation.
func (a *Applicator) Apply(ctx context.Context, hunks []Hunk, kind EventKind) (PatchReport, bool) {
	results := make(PatchReport, len(hunks))
	for i, h := range hunks {
		results[i] = HunkResult{Hunk: h, Status: StatusSkipped}
	}

	var order []string
	groups := make(map[string][]int)
	for i, h := range hunks {
		k := h.key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	// running hunks are not interrupted by cancellation
	run := context.WithoutCancel(ctx)

	var (
		mu   gosync.Mutex
		done int
		g    errgroup.Group
	)
	g.SetLimit(a.limit)

	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		idxs := groups[k]
		g.Go(func() error {
			for _, i := range idxs {
				if ctx.Err() != nil {
					return nil
				}
				res := HunkResult{Hunk: hunks[i], Status: StatusApplied}
				if err := a.applyHunk(run, hunks[i]); err != nil {
					res.Status = StatusFailed
					res.Err = err
					a.logger.WithError(err).WithField("folder", hunks[i].Folder).Warn("Hunk failed")
				}
				results[i] = res

				mu.Lock()
				done++
				a.events.emit(Event{Kind: kind, Folder: res.Hunk.Folder, Result: &res, Done: done, Total: len(hunks)})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return results, results.Skipped() > 0
}

func (a *Applicator) applyHunk(ctx context.Context, h Hunk) error {
	dst := a.side(h.Side)

	switch h.Kind {
	case CreateFolder:
		err := dst.AddFolder(ctx, h.Folder)
		if errors.Is(err, backend.ErrFolderExists) {
			return nil
		}
		return errors.Wrapf(err, "create folder %s on %s", h.Folder, h.Side)

	case DeleteFolder:
		err := dst.DeleteFolder(ctx, h.Folder)
		if errors.Is(err, backend.ErrFolderNotFound) {
			return nil
		}
		return errors.Wrapf(err, "delete folder %s on %s", h.Folder, h.Side)

	case CopyMessage:
		raw, err := a.side(h.From).GetMessage(ctx, h.Folder, h.SourceID)
		if err != nil {
			return errors.Wrapf(err, "fetch %s from %s", h.SourceID, h.From)
		}
		id, err := dst.AddMessage(ctx, h.Folder, raw, h.Flags)
		if err != nil {
			return errors.Wrapf(err, "add message to %s", h.Side)
		}
		if id == "" {
			id = h.Identity
		}
		a.alias(h.Side, h.Folder, id)
		return nil

	case DeleteMessage:
		var err error
		if a.deleteMode == config.DeleteModeFlag {
			err = dst.AddFlags(ctx, h.Folder, h.TargetID, types.NewFlags(types.FlagDeleted))
		} else {
			err = dst.DeleteMessage(ctx, h.Folder, h.TargetID)
		}
		if errors.Is(err, backend.ErrMessageNotFound) {
			return nil
		}
		return errors.Wrapf(err, "delete %s on %s", h.TargetID, h.Side)

	case UpdateFlags:
		err := dst.SetFlags(ctx, h.Folder, h.TargetID, h.Flags)
		return errors.Wrapf(err, "set flags of %s on %s", h.TargetID, h.Side)
	}
	return errors.Errorf("unknown hunk kind %s", h.Kind)
}

func (a *Applicator) alias(side Side, folder, id string) {
	if a.mappers == nil {
		return
	}
	if _, err := a.mappers.Mapper(side.String(), folder).CreateAlias(id); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"side":   side.String(),
			"folder": folder,
		}).Warn("Failed to record alias")
	}
}
