package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/identity"
	"github.com/brandon/mailsync/pkg/types"
)

// IMAPClient is the remote backend. Every operation borrows a pooled
// connection and selects its folder first.
type IMAPClient struct {
	config *config.AccountConfig
	pool   *pool
	logger *logrus.Logger
}

// NewIMAPClient creates a new IMAP backend (does not connect immediately)
func NewIMAPClient(cfg *config.AccountConfig, connections int, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		config: cfg,
		pool:   newPool(connections, dialer(cfg, logger), logger),
		logger: logger,
	}
}

func (c *IMAPClient) Name() string { return "imap" }

// Close logs out all idle connections
func (c *IMAPClient) Close() error {
	return c.pool.close()
}

// with runs fn on a pooled connection.
func (c *IMAPClient) with(ctx context.Context, fn func(cl *client.Client) error) error {
	cl, err := c.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.pool.release(cl)
	return fn(cl)
}

// selectFolder selects folder, mapping a missing mailbox to
// backend.ErrFolderNotFound.
func selectFolder(cl *client.Client, folder string, readOnly bool) (*imap.MailboxStatus, error) {
	mbox, err := cl.Select(folder, readOnly)
	if err != nil {
		if isNonexistent(err) {
			return nil, errors.Wrapf(backend.ErrFolderNotFound, "%s: %v", folder, err)
		}
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}
	return mbox, nil
}

// ListFolders lists all selectable mailboxes
func (c *IMAPClient) ListFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := c.with(ctx, func(cl *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)

		go func() {
			done <- cl.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			if hasAttr(m.Attributes, imap.NoSelectAttr) {
				continue
			}
			names = append(names, m.Name)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}
		return nil
	})
	return names, err
}

func (c *IMAPClient) AddFolder(ctx context.Context, folder string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.Create(folder); err != nil {
			if isAlreadyExists(err) {
				return errors.Wrapf(backend.ErrFolderExists, "%s: %v", folder, err)
			}
			return fmt.Errorf("failed to create folder: %w", err)
		}
		return nil
	})
}

func (c *IMAPClient) DeleteFolder(ctx context.Context, folder string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if err := cl.Delete(folder); err != nil {
			if isNonexistent(err) {
				return errors.Wrapf(backend.ErrFolderNotFound, "%s: %v", folder, err)
			}
			return fmt.Errorf("failed to delete folder: %w", err)
		}
		return nil
	})
}

func (c *IMAPClient) ExpungeFolder(ctx context.Context, folder string) error {
	return c.with(ctx, func(cl *client.Client) error {
		if _, err := selectFolder(cl, folder, false); err != nil {
			return err
		}
		if err := cl.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge folder: %w", err)
		}
		return nil
	})
}

// ListEnvelopes fetches envelope data of every message. Messages without
// a Message-ID get their body fetched so they can be hashed.
func (c *IMAPClient) ListEnvelopes(ctx context.Context, folder string) ([]types.Envelope, error) {
	var envelopes []types.Envelope
	err := c.with(ctx, func(cl *client.Client) error {
		mbox, err := selectFolder(cl, folder, true)
		if err != nil {
			return err
		}
		if mbox.Messages == 0 {
			return nil
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddRange(1, mbox.Messages)
		items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchRFC822Size}

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- cl.Fetch(seqSet, items, messages)
		}()

		var anonymous []uint32
		for msg := range messages {
			env := envelopeFromMessage(msg)
			if env.Identity == "" {
				anonymous = append(anonymous, msg.Uid)
			}
			envelopes = append(envelopes, env)
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		if len(anonymous) == 0 {
			return nil
		}
		hashes, err := c.hashBodies(cl, anonymous)
		if err != nil {
			return err
		}
		for i := range envelopes {
			if envelopes[i].Identity == "" {
				envelopes[i].Identity = hashes[envelopes[i].ID]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// bodies that vanished between the two fetches cannot be identified
	out := envelopes[:0]
	for _, env := range envelopes {
		if env.Identity == "" {
			c.logger.WithFields(logrus.Fields{"folder": folder, "uid": env.ID}).Warn("Skipping message without identity")
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// hashBodies fetches full bodies of uids and returns uid → identity.
func (c *IMAPClient) hashBodies(cl *client.Client, uids []uint32) (map[string]string, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	hashes := make(map[string]string, len(uids))
	for msg := range messages {
		raw, err := readLiteral(msg.GetBody(section))
		if err != nil {
			c.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to read message body")
			continue
		}
		hashes[formatUID(msg.Uid)] = identity.FromRaw(raw).Hash
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch bodies: %w", err)
	}
	return hashes, nil
}

func (c *IMAPClient) GetMessage(ctx context.Context, folder, id string) ([]byte, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.with(ctx, func(cl *client.Client) error {
		if _, err := selectFolder(cl, folder, true); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		section := &imap.BodySectionName{Peek: true}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
		}()

		var found bool
		var readErr error
		for msg := range messages {
			if msg.Uid != uid {
				continue
			}
			found = true
			raw, readErr = readLiteral(msg.GetBody(section))
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if !found {
			return errors.Wrapf(backend.ErrMessageNotFound, "%s/%s", folder, id)
		}
		return readErr
	})
	return raw, err
}

// AddMessage appends raw. Without UIDPLUS the new uid is looked up by
// Message-ID; it is empty when that is not possible.
func (c *IMAPClient) AddMessage(ctx context.Context, folder string, raw []byte, flags types.Flags) (string, error) {
	info := identity.FromRaw(raw)
	date := info.Date
	if date.IsZero() {
		date = time.Now()
	}

	var id string
	err := c.with(ctx, func(cl *client.Client) error {
		if err := cl.Append(folder, flags.Strings(), date, bytes.NewBuffer(raw)); err != nil {
			if isNonexistent(err) {
				return errors.Wrapf(backend.ErrFolderNotFound, "%s: %v", folder, err)
			}
			return fmt.Errorf("failed to append message: %w", err)
		}
		if info.MessageID == "" {
			return nil
		}

		// the message is stored; a failed lookup only loses its uid
		if _, err := selectFolder(cl, folder, true); err != nil {
			c.logger.WithError(err).WithField("folder", folder).Debug("Failed to select folder for uid lookup")
			return nil
		}
		criteria := imap.NewSearchCriteria()
		criteria.Header.Add("Message-Id", info.MessageID)
		uids, err := cl.UidSearch(criteria)
		if err != nil {
			c.logger.WithError(err).WithField("folder", folder).Debug("Failed to look up appended uid")
			return nil
		}
		var latest uint32
		for _, u := range uids {
			if u > latest {
				latest = u
			}
		}
		if latest > 0 {
			id = formatUID(latest)
		}
		return nil
	})
	return id, err
}

// DeleteMessage marks the message \Deleted; the expunge phase removes it.
func (c *IMAPClient) DeleteMessage(ctx context.Context, folder, id string) error {
	return c.store(ctx, folder, id, imap.AddFlags, types.NewFlags(types.FlagDeleted))
}

func (c *IMAPClient) AddFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return c.store(ctx, folder, id, imap.AddFlags, flags)
}

func (c *IMAPClient) SetFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return c.store(ctx, folder, id, imap.SetFlags, flags)
}

func (c *IMAPClient) RemoveFlags(ctx context.Context, folder, id string, flags types.Flags) error {
	return c.store(ctx, folder, id, imap.RemoveFlags, flags)
}

func (c *IMAPClient) store(ctx context.Context, folder, id string, op imap.FlagsOp, flags types.Flags) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return c.with(ctx, func(cl *client.Client) error {
		if _, err := selectFolder(cl, folder, false); err != nil {
			return err
		}
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := cl.UidStore(seqSet, imap.FormatFlagsOp(op, true), flagValues(flags), nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		return nil
	})
}

// envelopeFromMessage converts fetched data. Identity stays empty when
// the message has no Message-ID.
func envelopeFromMessage(msg *imap.Message) types.Envelope {
	env := types.Envelope{
		ID:    formatUID(msg.Uid),
		Flags: types.ParseFlags(msg.Flags),
		Date:  msg.InternalDate,
		Size:  int64(msg.Size),
	}
	if msg.Envelope != nil {
		env.MessageID = identity.NormalizeMessageID(msg.Envelope.MessageId)
		env.Subject = msg.Envelope.Subject
		if !msg.Envelope.Date.IsZero() {
			env.Date = msg.Envelope.Date
		}
		env.Identity = identity.FromMessageID(env.MessageID)
	}
	return env
}

func flagValues(flags types.Flags) []interface{} {
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = string(f)
	}
	return values
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return 0, errors.Wrapf(backend.ErrMessageNotFound, "invalid uid %q", id)
	}
	return uint32(uid), nil
}

// isNonexistent recognizes the NO responses servers send for missing
// mailboxes; go-imap v1 only exposes the response text.
func isNonexistent(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"nonexistent", "doesn't exist", "does not exist", "not exist", "no such mailbox", "unknown mailbox", "not found"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "alreadyexists") || strings.Contains(msg, "already exists")
}

// readLiteral reads an IMAP literal fully
func readLiteral(literal imap.Literal) ([]byte, error) {
	if literal == nil {
		return nil, fmt.Errorf("no body content found")
	}
	return io.ReadAll(literal)
}

var _ backend.Backend = (*IMAPClient)(nil)
