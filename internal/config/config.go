package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	FlagPolicyRecent = "recent"
	FlagPolicyRemote = "remote"
	FlagPolicyLocal  = "local"
	FlagPolicyUnion  = "union"

	DeleteModeExpunge = "expunge"
	DeleteModeFlag    = "flag"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath string `mapstructure:"cache_path"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Concurrency bounds hunks in flight and pooled IMAP connections
	Concurrency int `mapstructure:"concurrency"`

	// Accounts
	Accounts []AccountConfig `mapstructure:"accounts"`
}

// FoldersConfig selects the folders an account syncs. Include wins over
// Exclude when both are set.
type FoldersConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name string `mapstructure:"name"`

	// IMAP settings
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPPort     int    `mapstructure:"imap_port"`
	IMAPUsername string `mapstructure:"imap_username"`
	IMAPPassword string `mapstructure:"imap_password"`

	// Local cache
	MaildirPath string `mapstructure:"maildir_path"`

	Folders    FoldersConfig `mapstructure:"folders"`
	FlagPolicy string        `mapstructure:"flag_policy"`
	DeleteMode string        `mapstructure:"delete_mode"`

	// Schedule is the cron spec used by watch mode
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig loads configuration from an optional config file and the
// environment. Without accounts in the file, accounts are read from
// environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("cache_path", defaultCachePath())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("concurrency", 4)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		accounts, err := loadAccounts()
		if err != nil {
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
		cfg.Accounts = accounts
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}
	return cfg, nil
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/data/mailsync.db"
	}
	return home + "/.cache/mailsync/mailsync.db"
}

func applyAccountDefaults(acc *AccountConfig) {
	if acc.IMAPPort == 0 {
		acc.IMAPPort = 993
	}
	if acc.FlagPolicy == "" {
		acc.FlagPolicy = FlagPolicyRecent
	}
	if acc.DeleteMode == "" {
		acc.DeleteMode = DeleteModeExpunge
	}
	if acc.Schedule == "" {
		acc.Schedule = "@every 15m"
	}
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// First, try single account configuration (for backward compatibility)
	if hasSingleAccount() {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Load multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccountByNumber(accountNum)
		if err != nil {
			break // No more accounts
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}

	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != "" && getEnv("MAILDIR_PATH", "") != ""
}

// loadSingleAccount loads a single account from environment variables
func loadSingleAccount() (*AccountConfig, error) {
	name := getEnv("ACCOUNT_NAME", "default")
	return loadAccount("", name)
}

// loadAccountByNumber loads an account by number (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}
	return loadAccount(prefix, name)
}

func loadAccount(prefix, name string) (*AccountConfig, error) {
	acc := &AccountConfig{
		Name:         name,
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
		MaildirPath:  getEnv(prefix+"MAILDIR_PATH", ""),
		Folders: FoldersConfig{
			Include: getEnvList(prefix + "FOLDERS_INCLUDE"),
			Exclude: getEnvList(prefix + "FOLDERS_EXCLUDE"),
		},
		FlagPolicy: getEnv(prefix+"FLAG_POLICY", FlagPolicyRecent),
		DeleteMode: getEnv(prefix+"DELETE_MODE", DeleteModeExpunge),
		Schedule:   getEnv(prefix+"SCHEDULE", ""),
	}

	if acc.IMAPHost == "" || acc.MaildirPath == "" {
		return nil, fmt.Errorf("account %s: IMAP_HOST and MAILDIR_PATH are required", name)
	}
	if acc.IMAPUsername == "" || acc.IMAPPassword == "" {
		return nil, fmt.Errorf("account %s: IMAP_USERNAME and IMAP_PASSWORD are required", name)
	}
	return acc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the first account (or default account if named "default")
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}

	// Try to find "default" account first
	for i := range c.Accounts {
		if c.Accounts[i].Name == "default" {
			return &c.Accounts[i]
		}
	}

	// Return first account
	return &c.Accounts[0]
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("CONCURRENCY must be between 1 and 64")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	// Validate each account
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.MaildirPath == "" {
			return fmt.Errorf("account %s: MAILDIR_PATH is required", acc.Name)
		}
		switch acc.FlagPolicy {
		case FlagPolicyRecent, FlagPolicyRemote, FlagPolicyLocal, FlagPolicyUnion:
		default:
			return fmt.Errorf("account %s: invalid flag policy %q", acc.Name, acc.FlagPolicy)
		}
		switch acc.DeleteMode {
		case DeleteModeExpunge, DeleteModeFlag:
		default:
			return fmt.Errorf("account %s: invalid delete mode %q", acc.Name, acc.DeleteMode)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
