package cache

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
)

func newTestAccount(t *testing.T) (*Cache, *AccountState) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store := NewStore(c, logger)
	_, err = store.UpsertAccount(&config.AccountConfig{
		Name:         "work",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "me",
		MaildirPath:  "/tmp/mail",
	})
	require.NoError(t, err)

	account, err := store.Account("work")
	require.NoError(t, err)
	return c, account
}

func TestUniquePrefixLen(t *testing.T) {
	assert.Equal(t, 0, uniquePrefixLen(nil))
	assert.Equal(t, 1, uniquePrefixLen([]string{"abc"}))
	assert.Equal(t, 1, uniquePrefixLen([]string{"abc", "bcd"}))
	assert.Equal(t, 3, uniquePrefixLen([]string{"abc", "abd", "b"}))
	assert.Equal(t, 3, uniquePrefixLen([]string{"b", "abd", "abc"}), "capped by the longest hash")
	assert.Equal(t, 2, uniquePrefixLen([]string{"ab", "ab"}), "identical hashes cap at full length")
}

func TestIDMapperAliasesAreStable(t *testing.T) {
	_, account := newTestAccount(t)
	m := account.Mapper("local", "INBOX")
	require.IsType(t, &IDMapper{}, m)

	aliases := make(map[string]string)
	lastLen := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("1700000000.%d.host", i)
		alias, err := m.CreateAlias(id)
		require.NoError(t, err)
		aliases[id] = alias

		n, err := m.Append(nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, lastLen, "short length never shrinks")
		lastLen = n
	}

	for id, alias := range aliases {
		again, err := m.CreateAlias(id)
		require.NoError(t, err)
		assert.Equal(t, alias, again, "alias of %s changed", id)

		found, err := m.Find(alias)
		require.NoError(t, err)
		assert.Equal(t, id, found)
	}
}

func TestIDMapperAppendGrowsForCollisions(t *testing.T) {
	_, account := newTestAccount(t)
	m := account.Mapper("local", "INBOX")

	n, err := m.Append([]Entry{{Hash: "aaaa1111", ID: "one"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Append([]Entry{{Hash: "aaab2222", ID: "two"}})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// the first alias keeps its original length
	id, err := m.Find("a")
	require.NoError(t, err)
	assert.Equal(t, "one", id)

	id, err = m.Find("aaab")
	require.NoError(t, err)
	assert.Equal(t, "two", id)

	// re-appending a known hash never rebinds it
	_, err = m.Append([]Entry{{Hash: "aaaa1111", ID: "other"}})
	require.NoError(t, err)
	id, err = m.Find("a")
	require.NoError(t, err)
	assert.Equal(t, "one", id)
}

func TestIDMapperFindPrefix(t *testing.T) {
	_, account := newTestAccount(t)
	m := account.Mapper("remote", "INBOX")

	_, err := m.Append([]Entry{{Hash: "abc123", ID: "x"}, {Hash: "abd456", ID: "y"}})
	require.NoError(t, err)

	id, err := m.Find("abc12")
	require.NoError(t, err)
	assert.Equal(t, "x", id)

	_, err = m.Find("ab")
	assert.ErrorIs(t, err, ErrAliasAmbiguous)

	_, err = m.Find("zz")
	assert.ErrorIs(t, err, ErrAliasNotFound)

	// wildcards are not patterns
	for _, alias := range []string{"%", "_", "a_c", "ab%", "ABC"} {
		_, err = m.Find(alias)
		assert.ErrorIs(t, err, ErrAliasNotFound, alias)
	}
}

func TestIDMapperReset(t *testing.T) {
	_, account := newTestAccount(t)
	m := account.Mapper("local", "Archive")
	idm := m.(*IDMapper)

	_, err := m.CreateAlias("some-id")
	require.NoError(t, err)
	before := idm.Generation()

	require.NoError(t, account.ResetMapper("local", "Archive"))
	assert.NotEqual(t, before, idm.Generation())

	_, err = m.Find(EntryFor("some-id").Hash[:8])
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestMapperDegradesToPassThrough(t *testing.T) {
	c, account := newTestAccount(t)

	_, err := c.DB().Exec("DROP TABLE id_mapper")
	require.NoError(t, err)

	m := account.Mapper("local", "INBOX")
	require.IsType(t, DummyMapper{}, m)

	alias, err := m.CreateAlias("1700000000.1.host")
	require.NoError(t, err)
	assert.Equal(t, "1700000000.1.host", alias)

	id, err := m.Find(alias)
	require.NoError(t, err)
	assert.Equal(t, alias, id)

	n, err := m.Append([]Entry{EntryFor("x")})
	require.NoError(t, err)
	assert.Equal(t, 64, n)
}
