// Package maildir is the local cache backend. Every folder is a Maildir
// directory below the account root; nested folder names map to nested
// directories.
package maildir

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/identity"
	"github.com/brandon/mailsync/pkg/types"
)

const infoSeparator = ":2,"

var subdirs = []string{"cur", "new", "tmp"}

// Backend implements backend.Backend on a directory tree.
type Backend struct {
	root     string
	hostname string
	logger   *logrus.Logger

	seq atomic.Uint64
	// mu serializes renames and keyword table updates
	mu gosync.Mutex
}

// New opens the Maildir tree at root, creating it when missing.
func New(root string, logger *logrus.Logger) (*Backend, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create maildir root: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer("/", `\057`, ":", `\072`).Replace(host)

	return &Backend{
		root:     root,
		hostname: host,
		logger:   logger,
	}, nil
}

func (b *Backend) Name() string { return "maildir" }

func (b *Backend) Close() error { return nil }

func (b *Backend) folderDir(folder string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(folder))
	if folder == "" || clean != folder || strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(folder) {
		return "", fmt.Errorf("invalid folder name %q", folder)
	}
	return filepath.Join(b.root, filepath.FromSlash(folder)), nil
}

func isMaildir(dir string) bool {
	for _, sub := range subdirs {
		st, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !st.IsDir() {
			return false
		}
	}
	return true
}

// existingDir resolves folder and checks that it is a Maildir.
func (b *Backend) existingDir(folder string) (string, error) {
	dir, err := b.folderDir(folder)
	if err != nil {
		return "", err
	}
	if !isMaildir(dir) {
		return "", errors.Wrap(backend.ErrFolderNotFound, folder)
	}
	return dir, nil
}

func (b *Backend) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != b.root {
			switch d.Name() {
			case "cur", "new", "tmp":
				return filepath.SkipDir
			}
		}
		if path != b.root && isMaildir(path) {
			rel, err := filepath.Rel(b.root, path)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) AddFolder(ctx context.Context, folder string) error {
	dir, err := b.folderDir(folder)
	if err != nil {
		return err
	}
	if isMaildir(dir) {
		return errors.Wrap(backend.ErrFolderExists, folder)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", folder, err)
		}
	}
	return nil
}

// DeleteFolder removes the Maildir of folder. Nested folders survive.
func (b *Backend) DeleteFolder(ctx context.Context, folder string) error {
	dir, err := b.existingDir(folder)
	if err != nil {
		return err
	}
	for _, sub := range subdirs {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return fmt.Errorf("failed to delete folder %s: %w", folder, err)
		}
	}
	os.Remove(filepath.Join(dir, keywordsFile)) //nolint:errcheck
	os.Remove(dir)                              //nolint:errcheck
	return nil
}

func (b *Backend) ExpungeFolder(ctx context.Context, folder string) error {
	dir, err := b.existingDir(folder)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	kw, err := loadKeywords(dir)
	if err != nil {
		return err
	}
	files, err := listFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !decodeInfo(f.info, kw).Has(types.FlagDeleted) {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to expunge %s: %w", f.id, err)
		}
	}
	return nil
}

func (b *Backend) ListEnvelopes(ctx context.Context, folder string) ([]types.Envelope, error) {
	dir, err := b.existingDir(folder)
	if err != nil {
		return nil, err
	}
	kw, err := loadKeywords(dir)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	envelopes := make([]types.Envelope, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env, err := readEnvelope(f.path)
		if err != nil {
			// the file may have been renamed or removed meanwhile
			b.logger.WithError(err).WithField("file", f.path).Debug("Skipping unreadable message")
			continue
		}
		env.ID = f.id
		env.Flags = decodeInfo(f.info, kw)
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (b *Backend) GetMessage(ctx context.Context, folder, id string) ([]byte, error) {
	dir, err := b.existingDir(folder)
	if err != nil {
		return nil, err
	}
	f, err := findFile(dir, id)
	if err != nil {
		return nil, errors.Wrapf(err, "%s/%s", folder, id)
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return raw, nil
}

// AddMessage delivers raw through tmp into cur with flags encoded in the
// file name.
func (b *Backend) AddMessage(ctx context.Context, folder string, raw []byte, flags types.Flags) (string, error) {
	dir, err := b.existingDir(folder)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := b.encode(dir, flags)
	if err != nil {
		return "", err
	}

	id := b.uniqueName()
	tmp := filepath.Join(dir, "tmp", id)
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "cur", id+infoSeparator+info)); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("failed to deliver message: %w", err)
	}
	return id, nil
}

func (b *Backend) DeleteMessage(ctx context.Context, folder, id string) error {
	dir, err := b.existingDir(folder)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := findFile(dir, id)
	if err != nil {
		return errors.Wrapf(err, "%s/%s", folder, id)
	}
	if err := os.Remove(f.path); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
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

// updateFlags renames the message into cur with its new info and bumps
// its mtime, which is what Envelope.Touched reports.
func (b *Backend) updateFlags(folder, id string, fn func(types.Flags) types.Flags) error {
	dir, err := b.existingDir(folder)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kw, err := loadKeywords(dir)
	if err != nil {
		return err
	}
	f, err := findFile(dir, id)
	if err != nil {
		return errors.Wrapf(err, "%s/%s", folder, id)
	}

	next := fn(decodeInfo(f.info, kw))
	info, err := b.encode(dir, next)
	if err != nil {
		return err
	}
	info = keepUnknown(info, f.info)

	dst := filepath.Join(dir, "cur", id+infoSeparator+info)
	if dst != f.path {
		if err := os.Rename(f.path, dst); err != nil {
			return fmt.Errorf("failed to update flags: %w", err)
		}
	}
	now := time.Now()
	if err := os.Chtimes(dst, now, now); err != nil {
		return fmt.Errorf("failed to touch message: %w", err)
	}
	return nil
}

// encode renders flags for dir, persisting newly assigned keywords.
// Callers hold b.mu.
func (b *Backend) encode(dir string, flags types.Flags) (string, error) {
	kw, err := loadKeywords(dir)
	if err != nil {
		return "", err
	}
	info, changed, err := encodeInfo(flags, kw)
	if err != nil {
		return "", err
	}
	if changed {
		if err := kw.save(dir); err != nil {
			return "", err
		}
	}
	return info, nil
}

func (b *Backend) uniqueName() string {
	now := time.Now()
	return fmt.Sprintf("%d.M%dP%dQ%d.%s",
		now.Unix(), now.Nanosecond()/1000, os.Getpid(), b.seq.Add(1), b.hostname)
}

type file struct {
	id   string
	info string
	path string
}

func splitName(name string) (id, info string) {
	if i := strings.Index(name, infoSeparator); i >= 0 {
		return name[:i], name[i+len(infoSeparator):]
	}
	return name, ""
}

// listFiles returns the messages of cur and new. Names in cur without
// info are skipped.
func listFiles(dir string) ([]file, error) {
	var files []file
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if sub == "cur" && !strings.Contains(e.Name(), infoSeparator) {
				continue
			}
			id, info := splitName(e.Name())
			files = append(files, file{id: id, info: info, path: filepath.Join(dir, sub, e.Name())})
		}
	}
	return files, nil
}

func findFile(dir, id string) (file, error) {
	files, err := listFiles(dir)
	if err != nil {
		return file{}, err
	}
	for _, f := range files {
		if f.id == id {
			return f, nil
		}
	}
	return file{}, backend.ErrMessageNotFound
}

// readEnvelope reads only the header when a Message-ID is present and
// the whole file otherwise.
func readEnvelope(path string) (types.Envelope, error) {
	fh, err := os.Open(path)
	if err != nil {
		return types.Envelope{}, err
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return types.Envelope{}, err
	}

	env := types.Envelope{Size: st.Size(), Touched: st.ModTime()}

	h, err := textproto.ReadHeader(bufio.NewReader(fh))
	if err == nil {
		mh := mail.Header{Header: message.Header{Header: h}}
		if mid := identity.NormalizeMessageID(h.Get("Message-Id")); mid != "" {
			env.MessageID = mid
			env.Identity = identity.FromMessageID(mid)
			if subject, err := mh.Subject(); err == nil {
				env.Subject = subject
			}
			if date, err := mh.Date(); err == nil {
				env.Date = date
			}
			return env, nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Envelope{}, err
	}
	info := identity.FromRaw(raw)
	env.Identity = info.Hash
	env.MessageID = info.MessageID
	env.Subject = info.Subject
	env.Date = info.Date
	return env, nil
}

var _ backend.Backend = (*Backend)(nil)
