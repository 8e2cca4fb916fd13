// Package identity derives the key used to recognize the same message on
// both sides of a sync.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Info is what a raw message tells about itself.
type Info struct {
	Hash      string
	MessageID string
	Subject   string
	Date      time.Time
}

// NormalizeMessageID strips angle brackets and surrounding space.
func NormalizeMessageID(mid string) string {
	mid = strings.TrimSpace(mid)
	mid = strings.TrimPrefix(mid, "<")
	mid = strings.TrimSuffix(mid, ">")
	return strings.TrimSpace(mid)
}

// FromMessageID hashes a Message-ID header value. It returns "" for an
// empty id so callers fall back to FromRaw.
func FromMessageID(mid string) string {
	mid = NormalizeMessageID(mid)
	if mid == "" {
		return ""
	}
	return hash("mid", []byte(mid))
}

// FromRaw derives the identity of a full message. Messages carrying a
// Message-ID hash to the same value as FromMessageID. Others hash the
// decoded content, so transfer encoding differences between stores do
// not split one message into two identities.
func FromRaw(raw []byte) Info {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Info{Hash: hash("raw", raw)}
	}

	info := Info{
		MessageID: NormalizeMessageID(env.GetHeader("Message-Id")),
		Subject:   env.GetHeader("Subject"),
	}
	if d := env.GetHeader("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			info.Date = t
		}
	}

	if info.MessageID != "" {
		info.Hash = FromMessageID(info.MessageID)
		return info
	}

	var content bytes.Buffer
	content.WriteString(env.GetHeader("Date"))
	content.WriteByte('\n')
	content.WriteString(env.GetHeader("From"))
	content.WriteByte('\n')
	content.WriteString(info.Subject)
	content.WriteByte('\n')
	content.WriteString(normalizeBody(env.Text))
	content.WriteByte('\n')
	content.WriteString(normalizeBody(env.HTML))
	for _, a := range env.Attachments {
		content.WriteByte('\n')
		content.WriteString(a.FileName)
		content.Write(a.Content)
	}
	info.Hash = hash("content", content.Bytes())
	return info
}

// Short returns the first n hex characters of h, or h when shorter.
func Short(h string, n int) string {
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}

func normalizeBody(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func hash(kind string, data []byte) string {
	sum := sha256.New()
	sum.Write([]byte(kind))
	sum.Write([]byte{0})
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil))
}
