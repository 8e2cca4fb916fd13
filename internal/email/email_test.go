package email

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/backend/memory"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/identity"
	"github.com/brandon/mailsync/pkg/types"
)

func TestEnvelopeFromMessage(t *testing.T) {
	date := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := &imap.Message{
		Uid:          42,
		Flags:        []string{`\seen`, `\Recent`, "$Label1"},
		InternalDate: date.Add(time.Hour),
		Size:         1234,
		Envelope: &imap.Envelope{
			Date:      date,
			Subject:   "hello",
			MessageId: "<id@example.com>",
		},
	}

	env := envelopeFromMessage(msg)
	assert.Equal(t, "42", env.ID)
	assert.Equal(t, identity.FromMessageID("id@example.com"), env.Identity)
	assert.Equal(t, "id@example.com", env.MessageID)
	assert.Equal(t, date, env.Date)
	assert.Equal(t, int64(1234), env.Size)
	assert.True(t, types.NewFlags(types.FlagSeen, "$Label1").Equal(env.Flags), env.Flags.String())
	assert.True(t, env.Touched.IsZero())

	msg.Envelope.MessageId = ""
	assert.Empty(t, envelopeFromMessage(msg).Identity)
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID("17")
	require.NoError(t, err)
	assert.Equal(t, uint32(17), uid)

	for _, bad := range []string{"", "0", "abc", "99999999999"} {
		_, err := parseUID(bad)
		assert.ErrorIs(t, err, backend.ErrMessageNotFound, bad)
	}
}

func TestServerErrorClassification(t *testing.T) {
	assert.True(t, isNonexistent(errors.New("[NONEXISTENT] Unknown Mailbox: Foo")))
	assert.True(t, isNonexistent(errors.New("Mailbox doesn't exist: Foo")))
	assert.False(t, isNonexistent(errors.New("Permission denied")))

	assert.True(t, isAlreadyExists(errors.New("[ALREADYEXISTS] Mailbox already exists")))
	assert.False(t, isAlreadyExists(errors.New("Permission denied")))
}

func TestFlagValues(t *testing.T) {
	values := flagValues(types.NewFlags(types.FlagSeen, "$Junk"))
	assert.Equal(t, []interface{}{"$Junk", `\Seen`}, values)
}

func TestManagerResolvesAccounts(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Accounts: []config.AccountConfig{{Name: "work"}, {Name: "default"}}}
	opened := 0
	open := func(acc *config.AccountConfig) (backend.Backend, error) {
		opened++
		return memory.New(acc.Name), nil
	}
	m := NewManagerWithFactories(cfg, open, open, logger)
	defer m.Close()

	acc, err := m.GetAccount("")
	require.NoError(t, err)
	assert.Equal(t, "default", acc.Config.Name)

	again, err := m.GetAccount("default")
	require.NoError(t, err)
	assert.Same(t, acc, again)
	assert.Equal(t, 2, opened)

	_, err = m.GetAccount("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"default", "work"}, m.ListAccounts())
}

func TestManagerClosesRemoteWhenLocalFails(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{Accounts: []config.AccountConfig{{Name: "work"}}}
	remote := func(acc *config.AccountConfig) (backend.Backend, error) { return memory.New("remote"), nil }
	local := func(acc *config.AccountConfig) (backend.Backend, error) { return nil, errors.New("disk full") }

	m := NewManagerWithFactories(cfg, remote, local, logger)
	_, err := m.GetAccount("work")
	assert.ErrorContains(t, err, "disk full")
}
