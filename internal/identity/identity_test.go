package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const withID = "Message-Id: <abc@example.com>\r\nSubject: hello\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\nbody\r\n"

func TestFromRawMatchesMessageID(t *testing.T) {
	info := FromRaw([]byte(withID))

	assert.Equal(t, "abc@example.com", info.MessageID)
	assert.Equal(t, "hello", info.Subject)
	assert.False(t, info.Date.IsZero())
	assert.Equal(t, FromMessageID("<abc@example.com>"), info.Hash)
	assert.Equal(t, FromMessageID(" abc@example.com "), info.Hash)
}

func TestFromRawWithoutMessageID(t *testing.T) {
	a := FromRaw([]byte("Subject: one\r\n\r\nsame body\r\n"))
	b := FromRaw([]byte("Subject: one\n\nsame body\n"))
	c := FromRaw([]byte("Subject: two\r\n\r\nsame body\r\n"))

	assert.Empty(t, a.MessageID)
	assert.Len(t, a.Hash, 64)
	assert.Equal(t, a.Hash, b.Hash, "line endings must not change identity")
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestFromMessageIDEmpty(t *testing.T) {
	assert.Empty(t, FromMessageID("  <> "))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcd", Short("abcdef", 4))
	assert.Equal(t, "abcdef", Short("abcdef", 10))
	assert.Equal(t, "abcdef", Short("abcdef", 0))
}
