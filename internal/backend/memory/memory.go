// Package memory is an in-memory backend. Tests use it as either side of
// a sync and inject failures per operation.
package memory

import (
	"context"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/pkg/errors"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/identity"
	"github.com/brandon/mailsync/pkg/types"
)

// Op names a backend operation for failure injection.
type Op string

const (
	OpListFolders   Op = "list_folders"
	OpAddFolder     Op = "add_folder"
	OpDeleteFolder  Op = "delete_folder"
	OpExpunge       Op = "expunge"
	OpListEnvelopes Op = "list_envelopes"
	OpGetMessage    Op = "get_message"
	OpAddMessage    Op = "add_message"
	OpDeleteMessage Op = "delete_message"
	OpSetFlags      Op = "set_flags"
)

// FailFunc decides whether op on folder/id fails.
type FailFunc func(op Op, folder, id string) error

type message struct {
	raw      []byte
	envelope types.Envelope
}

// Backend keeps folders and messages in maps.
type Backend struct {
	name    string
	mu      gosync.Mutex
	folders map[string]map[string]*message
	nextID  int
	fail    FailFunc
	calls   map[Op]int
}

func New(name string) *Backend {
	return &Backend{
		name:    name,
		folders: make(map[string]map[string]*message),
		calls:   make(map[Op]int),
	}
}

// FailWith installs a failure injector; nil removes it.
func (b *Backend) FailWith(fn FailFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

// Calls returns how often op was invoked.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Seed adds a message directly, bypassing failure injection, and returns
// its id. The folder is created when missing.
func (b *Backend) Seed(folder string, raw []byte, flags ...types.Flag) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.folders[folder]; !ok {
		b.folders[folder] = make(map[string]*message)
	}
	return b.add(folder, raw, types.NewFlags(flags...))
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Close() error { return nil }

func (b *Backend) enter(op Op, folder, id string) error {
	b.calls[op]++
	if b.fail != nil {
		return b.fail(op, folder, id)
	}
	return nil
}

func (b *Backend) ListFolders(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpListFolders, "", ""); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(b.folders))
	for name := range b.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) AddFolder(ctx context.Context, folder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAddFolder, folder, ""); err != nil {
		return err
	}
	if _, ok := b.folders[folder]; ok {
		return errors.Wrap(backend.ErrFolderExists, folder)
	}
	b.folders[folder] = make(map[string]*message)
	return nil
}

func (b *Backend) DeleteFolder(ctx context.Context, folder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteFolder, folder, ""); err != nil {
		return err
	}
	if _, ok := b.folders[folder]; !ok {
		return errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	delete(b.folders, folder)
	return nil
}

func (b *Backend) ExpungeFolder(ctx context.Context, folder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpExpunge, folder, ""); err != nil {
		return err
	}
	msgs, ok := b.folders[folder]
	if !ok {
		return errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	for id, m := range msgs {
		if m.envelope.Flags.Has(types.FlagDeleted) {
			delete(msgs, id)
		}
	}
	return nil
}

func (b *Backend) ListEnvelopes(ctx context.Context, folder string) ([]types.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpListEnvelopes, folder, ""); err != nil {
		return nil, err
	}
	msgs, ok := b.folders[folder]
	if !ok {
		return nil, errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	envelopes := make([]types.Envelope, 0, len(msgs))
	for _, m := range msgs {
		envelopes = append(envelopes, m.envelope)
	}
	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
	return envelopes, nil
}

func (b *Backend) GetMessage(ctx context.Context, folder, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetMessage, folder, id); err != nil {
		return nil, err
	}
	m, err := b.lookup(folder, id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.raw...), nil
}

func (b *Backend) AddMessage(ctx context.Context, folder string, raw []byte, flags types.Flags) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpAddMessage, folder, ""); err != nil {
		return "", err
	}
	if _, ok := b.folders[folder]; !ok {
		return "", errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	return b.add(folder, raw, flags), nil
}

func (b *Backend) DeleteMessage(ctx context.Context, folder, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteMessage, folder, id); err != nil {
		return err
	}
	if _, err := b.lookup(folder, id); err != nil {
		return err
	}
	delete(b.folders[folder], id)
	return nil
}

func (b *Backend) AddFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return b.updateFlags(folder, id, func(cur types.Flags) types.Flags { return cur.Add(flags...) })
}

func (b *Backend) SetFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return b.updateFlags(folder, id, func(types.Flags) types.Flags { return types.NewFlags(flags...) })
}

func (b *Backend) RemoveFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return b.updateFlags(folder, id, func(cur types.Flags) types.Flags { return cur.Remove(flags...) })
}

// Snapshot returns folder → identity → flags, for comparing stores in tests.
func (b *Backend) Snapshot() map[string]map[string]types.Flags {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]types.Flags, len(b.folders))
	for name, msgs := range b.folders {
		folder := make(map[string]types.Flags, len(msgs))
		for _, m := range msgs {
			folder[m.envelope.Identity] = m.envelope.Flags
		}
		out[name] = folder
	}
	return out
}

func (b *Backend) updateFlags(folder, id string, fn func(types.Flags) types.Flags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSetFlags, folder, id); err != nil {
		return err
	}
	m, err := b.lookup(folder, id)
	if err != nil {
		return err
	}
	m.envelope.Flags = fn(m.envelope.Flags)
	m.envelope.Touched = time.Now()
	return nil
}

func (b *Backend) lookup(folder, id string) (*message, error) {
	msgs, ok := b.folders[folder]
	if !ok {
		return nil, errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	m, ok := msgs[id]
	if !ok {
		return nil, errors.Wrapf(backend.ErrMessageNotFound, "%s/%s", folder, id)
	}
	return m, nil
}

func (b *Backend) add(folder string, raw []byte, flags types.Flags) string {
	b.nextID++
	id := strconv.Itoa(b.nextID)
	ident := identity.FromRaw(raw)
	b.folders[folder][id] = &message{
		raw: append([]byte(nil), raw...),
		envelope: types.Envelope{
			ID:        id,
			Identity:  ident.Hash,
			MessageID: ident.MessageID,
			Subject:   ident.Subject,
			Flags:     types.NewFlags(flags...),
			Date:      ident.Date,
			Size:      int64(len(raw)),
		},
	}
	return id
}
