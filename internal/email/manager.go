package email

import (
	"fmt"
	"sort"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/backend"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/maildir"
)

// BackendFactory opens one side of an account.
type BackendFactory func(acc *config.AccountConfig) (backend.Backend, error)

// Manager resolves configured accounts into backends. It is the only
// place that knows which concrete backend serves which side.
type Manager struct {
	config *config.Config
	logger *logrus.Logger

	openRemote BackendFactory
	openLocal  BackendFactory

	mu       gosync.Mutex
	accounts map[string]*Account
}

// NewManager creates a manager serving IMAP remotes and Maildir caches
func NewManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	m := NewManagerWithFactories(cfg, nil, nil, logger)
	m.openRemote = func(acc *config.AccountConfig) (backend.Backend, error) {
		return NewIMAPClient(acc, cfg.Concurrency, logger), nil
	}
	m.openLocal = func(acc *config.AccountConfig) (backend.Backend, error) {
		return maildir.New(acc.MaildirPath, logger)
	}
	return m
}

// NewManagerWithFactories creates a manager with custom backend kinds
func NewManagerWithFactories(cfg *config.Config, remote, local BackendFactory, logger *logrus.Logger) *Manager {
	return &Manager{
		config:     cfg,
		logger:     logger,
		openRemote: remote,
		openLocal:  local,
		accounts:   make(map[string]*Account),
	}
}

// GetAccount returns an account by name, opening its backends on first
// use. An empty name selects the default account.
func (m *Manager) GetAccount(name string) (*Account, error) {
	var accCfg *config.AccountConfig
	if name == "" {
		accCfg = m.config.GetDefaultAccount()
		if accCfg == nil {
			return nil, fmt.Errorf("no email accounts configured")
		}
	} else {
		var err error
		accCfg, err = m.config.GetAccountByName(name)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if account, ok := m.accounts[accCfg.Name]; ok {
		return account, nil
	}

	remote, err := m.openRemote(accCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote backend of %s: %w", accCfg.Name, err)
	}
	local, err := m.openLocal(accCfg)
	if err != nil {
		remote.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to open local backend of %s: %w", accCfg.Name, err)
	}

	account := &Account{Config: accCfg, Remote: remote, Local: local}
	m.accounts[accCfg.Name] = account

	m.logger.WithFields(logrus.Fields{
		"account": accCfg.Name,
		"remote":  remote.Name(),
		"local":   local.Name(),
	}).Debug("Opened account")
	return account, nil
}

// ListAccounts returns all configured account names, sorted
func (m *Manager) ListAccounts() []string {
	names := m.config.AccountNames()
	sort.Strings(names)
	return names
}

// Close closes all opened accounts
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, account := range m.accounts {
		if err := account.Close(); err != nil {
			m.logger.WithError(err).WithField("account", name).Warn("Failed to close account")
		}
		delete(m.accounts, name)
	}
	return nil
}
