package email

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"
	imapmemory "github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
)

// lockingBackend hides every mailbox once a message was appended, so the
// select that follows an append fails.
type lockingBackend struct {
	imapbackend.Backend
	appended atomic.Bool
}

func (b *lockingBackend) Login(info *imap.ConnInfo, username, password string) (imapbackend.User, error) {
	u, err := b.Backend.Login(info, username, password)
	if err != nil {
		return nil, err
	}
	return &lockingUser{User: u, appended: &b.appended}, nil
}

type lockingUser struct {
	imapbackend.User
	appended *atomic.Bool
}

func (u *lockingUser) GetMailbox(name string) (imapbackend.Mailbox, error) {
	if u.appended.Load() {
		return nil, errors.New("mailbox temporarily unavailable")
	}
	mbox, err := u.User.GetMailbox(name)
	if err != nil {
		return nil, err
	}
	return &lockingMailbox{Mailbox: mbox, appended: u.appended}, nil
}

type lockingMailbox struct {
	imapbackend.Mailbox
	appended *atomic.Bool
}

func (m *lockingMailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	if err := m.Mailbox.CreateMessage(flags, date, body); err != nil {
		return err
	}
	m.appended.Store(true)
	return nil
}

func newTestIMAPClient(t *testing.T, be imapbackend.Backend) *IMAPClient {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.New(be)
	srv.AllowInsecureAuth = true
	srv.ErrorLog = nopLogger{}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dial := func(ctx context.Context) (*client.Client, error) {
		c, err := client.Dial(ln.Addr().String())
		if err != nil {
			return nil, err
		}
		if err := c.Login("username", "password"); err != nil {
			c.Logout() //nolint:errcheck
			return nil, err
		}
		return c, nil
	}

	c := &IMAPClient{
		config: &config.AccountConfig{Name: "test"},
		pool:   newPool(1, dial, logger),
		logger: logger,
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Println(...interface{})        {}

const appendedMessage = "Message-ID: <appended@example.com>\r\n" +
	"From: someone@example.com\r\n" +
	"Subject: appended\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"hello\r\n"

func TestAddMessageReturnsNewUID(t *testing.T) {
	c := newTestIMAPClient(t, imapmemory.New())

	id, err := c.AddMessage(context.Background(), "INBOX", []byte(appendedMessage), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	raw, err := c.GetMessage(context.Background(), "INBOX", id)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "appended@example.com")
}

func TestAddMessageSucceedsWhenUIDLookupFails(t *testing.T) {
	be := &lockingBackend{Backend: imapmemory.New()}
	c := newTestIMAPClient(t, be)

	id, err := c.AddMessage(context.Background(), "INBOX", []byte(appendedMessage), nil)
	require.NoError(t, err, "a stored message is not a failed append")
	assert.Empty(t, id)
	assert.True(t, be.appended.Load())
}
