package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/pkg/types"
)

// Store provides methods for storing and retrieving sync data from the cache
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// UpsertAccount upserts an account in the cache
func (s *Store) UpsertAccount(acc *config.AccountConfig) (int, error) {
	query := `
		INSERT INTO accounts (name, imap_host, imap_port, imap_username, maildir_path, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			maildir_path = excluded.maildir_path,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.cache.DB().Exec(query, acc.Name, acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername, acc.MaildirPath); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	// LastInsertId is not reliable for the update branch of an upsert.
	return s.GetAccountID(acc.Name)
}

// GetAccountID returns the account ID by name
func (s *Store) GetAccountID(name string) (int, error) {
	var id int
	err := s.cache.DB().Get(&id, "SELECT id FROM accounts WHERE name = ?", name)
	if err != nil {
		return 0, fmt.Errorf("account not found: %s", name)
	}
	return id, nil
}

// Account returns the sync state of one account. The account must have
// been upserted before.
func (s *Store) Account(name string) (*AccountState, error) {
	id, err := s.GetAccountID(name)
	if err != nil {
		return nil, err
	}
	return &AccountState{
		store:     s,
		accountID: id,
		name:      name,
		mappers:   make(map[string]Mapper),
	}, nil
}

// AccountState is the account scoped view used by one sync run.
type AccountState struct {
	store     *Store
	accountID int
	name      string

	mu      gosync.Mutex
	mappers map[string]Mapper
}

// KnownFolders lists folders recorded as present on both sides.
func (a *AccountState) KnownFolders(ctx context.Context) ([]string, error) {
	var names []string
	err := a.store.cache.DB().SelectContext(ctx, &names,
		"SELECT name FROM folders WHERE account_id = ? ORDER BY name", a.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	return names, nil
}

// RecordFolders marks folders as present on both sides.
func (a *AccountState) RecordFolders(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := a.store.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range names {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folders (account_id, name, last_synced)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(account_id, name) DO UPDATE SET last_synced = CURRENT_TIMESTAMP
		`, a.accountID, name)
		if err != nil {
			return fmt.Errorf("failed to record folder %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// ForgetFolder drops a folder together with its sync state.
func (a *AccountState) ForgetFolder(ctx context.Context, name string) error {
	tx, err := a.store.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		DELETE FROM sync_state WHERE folder_id IN (
			SELECT id FROM folders WHERE account_id = ? AND name = ?
		)
	`, a.accountID, name)
	if err != nil {
		return fmt.Errorf("failed to clear sync state of %s: %w", name, err)
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM folders WHERE account_id = ? AND name = ?", a.accountID, name)
	if err != nil {
		return fmt.Errorf("failed to forget folder %s: %w", name, err)
	}
	return tx.Commit()
}

// LoadFolderState returns identity → flags as of the last sync of folder.
func (a *AccountState) LoadFolderState(ctx context.Context, folder string) (map[string]types.Flags, error) {
	rows := []struct {
		Identity string `db:"identity"`
		Flags    string `db:"flags"`
	}{}
	err := a.store.cache.DB().SelectContext(ctx, &rows, `
		SELECT s.identity, s.flags
		FROM sync_state s
		JOIN folders f ON s.folder_id = f.id
		WHERE f.account_id = ? AND f.name = ?
	`, a.accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	state := make(map[string]types.Flags, len(rows))
	for _, r := range rows {
		var flags []string
		if err := json.Unmarshal([]byte(r.Flags), &flags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flags of %s: %w", r.Identity, err)
		}
		state[r.Identity] = types.ParseFlags(flags)
	}
	return state, nil
}

// SaveFolderState replaces the recorded state of folder.
func (a *AccountState) SaveFolderState(ctx context.Context, folder string, state map[string]types.Flags) error {
	tx, err := a.store.cache.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO folders (account_id, name, last_synced)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, name) DO UPDATE SET last_synced = CURRENT_TIMESTAMP
	`, a.accountID, folder)
	if err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}

	var folderID int
	if err := tx.GetContext(ctx, &folderID,
		"SELECT id FROM folders WHERE account_id = ? AND name = ?", a.accountID, folder); err != nil {
		return fmt.Errorf("failed to get folder ID: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("failed to clear sync state: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, "INSERT INTO sync_state (folder_id, identity, flags) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare sync state insert: %w", err)
	}
	defer stmt.Close()

	for ident, flags := range state {
		flagsJSON, err := json.Marshal(flags.Strings())
		if err != nil {
			return fmt.Errorf("failed to marshal flags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, folderID, ident, string(flagsJSON)); err != nil {
			return fmt.Errorf("failed to save sync state of %s: %w", ident, err)
		}
	}

	return tx.Commit()
}

// Mapper returns the ID mapper of side/folder. When the table cannot be
// read the mapper degrades to a pass-through so the sync keeps going.
func (a *AccountState) Mapper(side, folder string) Mapper {
	key := side + "\x00" + folder

	a.mu.Lock()
	defer a.mu.Unlock()

	if m, ok := a.mappers[key]; ok {
		return m
	}

	var m Mapper
	idm, err := openIDMapper(a.store.cache.DB(), a.accountID, side, folder)
	if err != nil {
		a.store.logger.WithError(err).WithFields(logrus.Fields{
			"account": a.name,
			"side":    side,
			"folder":  folder,
		}).Warn("ID mapper unreadable, using pass-through mapper")
		m = DummyMapper{}
	} else {
		m = idm
	}
	a.mappers[key] = m
	return m
}

// ResetMapper starts a new mapper generation for side/folder.
func (a *AccountState) ResetMapper(side, folder string) error {
	m := a.Mapper(side, folder)
	idm, ok := m.(*IDMapper)
	if !ok {
		return nil
	}
	return idm.Reset()
}

// FolderCount returns the number of recorded folders, mostly for status output.
func (a *AccountState) FolderCount(ctx context.Context) (int, error) {
	var count int
	err := a.store.cache.DB().GetContext(ctx, &count,
		"SELECT COUNT(*) FROM folders WHERE account_id = ?", a.accountID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to count folders: %w", err)
	}
	return count, nil
}
