package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.toml")
	content := `
cache_path = "/tmp/mailsync-test.db"
log_level = "debug"
concurrency = 8

[[accounts]]
name = "work"
imap_host = "imap.example.com"
imap_username = "me"
imap_password = "secret"
maildir_path = "/tmp/work"
flag_policy = "union"

[accounts.folders]
exclude = ["Spam", "Trash"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/mailsync-test.db", cfg.CachePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Concurrency)
	require.Len(t, cfg.Accounts, 1)

	acc := cfg.Accounts[0]
	assert.Equal(t, 993, acc.IMAPPort)
	assert.Equal(t, FlagPolicyUnion, acc.FlagPolicy)
	assert.Equal(t, DeleteModeExpunge, acc.DeleteMode)
	assert.Equal(t, []string{"Spam", "Trash"}, acc.Folders.Exclude)
	assert.Equal(t, "@every 15m", acc.Schedule)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "me")
	t.Setenv("IMAP_PASSWORD", "secret")
	t.Setenv("MAILDIR_PATH", "/tmp/mail")
	t.Setenv("FOLDERS_INCLUDE", "INBOX, Sent")
	t.Setenv("MAILSYNC_CONCURRENCY", "2")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Concurrency)
	acc := cfg.GetDefaultAccount()
	require.NotNil(t, acc)
	assert.Equal(t, "default", acc.Name)
	assert.Equal(t, []string{"INBOX", "Sent"}, acc.Folders.Include)
}

func TestLoadConfigMultipleAccounts(t *testing.T) {
	for _, n := range []string{"1", "2"} {
		p := "ACCOUNT_" + n + "_"
		t.Setenv(p+"NAME", "acc"+n)
		t.Setenv(p+"IMAP_HOST", "imap"+n+".example.com")
		t.Setenv(p+"IMAP_USERNAME", "me")
		t.Setenv(p+"IMAP_PASSWORD", "secret")
		t.Setenv(p+"MAILDIR_PATH", "/tmp/"+n)
	}

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc1", "acc2"}, cfg.AccountNames())

	acc, err := cfg.GetAccountByName("acc2")
	require.NoError(t, err)
	assert.Equal(t, "imap2.example.com", acc.IMAPHost)

	_, err = cfg.GetAccountByName("acc3")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			CachePath:   "/tmp/c.db",
			Concurrency: 4,
			Accounts: []AccountConfig{{
				Name:        "a",
				IMAPHost:    "h",
				IMAPPort:    993,
				MaildirPath: "/tmp/m",
				FlagPolicy:  FlagPolicyRecent,
				DeleteMode:  DeleteModeFlag,
			}},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"no cache":        func(c *Config) { c.CachePath = "" },
		"concurrency":     func(c *Config) { c.Concurrency = 0 },
		"port":            func(c *Config) { c.Accounts[0].IMAPPort = 70000 },
		"maildir":         func(c *Config) { c.Accounts[0].MaildirPath = "" },
		"policy":          func(c *Config) { c.Accounts[0].FlagPolicy = "newest" },
		"delete mode":     func(c *Config) { c.Accounts[0].DeleteMode = "trash" },
		"duplicate names": func(c *Config) { c.Accounts = append(c.Accounts, c.Accounts[0]) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
