package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
)

var (
	ErrAliasNotFound  = errors.New("alias not found")
	ErrAliasAmbiguous = errors.New("alias is ambiguous")
)

const findCacheSize = 512

// Entry maps the content hash of a backend id to that id.
type Entry struct {
	Hash string
	ID   string
}

// EntryFor builds the entry of a backend id.
func EntryFor(id string) Entry {
	sum := sha256.Sum256([]byte(id))
	return Entry{Hash: hex.EncodeToString(sum[:]), ID: id}
}

// Mapper turns long backend ids into short, stable aliases.
type Mapper interface {
	// Append registers entries and returns the short hash length in use.
	Append(entries []Entry) (int, error)
	Find(alias string) (string, error)
	CreateAlias(id string) (string, error)
}

// IDMapper is a Mapper persisted in the id_mapper table. Existing aliases
// are never reassigned and the short length never shrinks within one
// generation; only entries appended later get longer aliases.
type IDMapper struct {
	db         *sqlx.DB
	generation string
	shortLen   int
	found      *lru.Cache[string, string]
	mu         gosync.Mutex
}

func openIDMapper(db *sqlx.DB, accountID int, side, folder string) (*IDMapper, error) {
	found, err := lru.New[string, string](findCacheSize)
	if err != nil {
		return nil, err
	}

	m := &IDMapper{db: db, found: found}

	row := struct {
		Generation string `db:"generation"`
		ShortLen   int    `db:"short_len"`
	}{}
	err = db.Get(&row, `
		SELECT generation, short_len FROM id_mapper_generations
		WHERE account_id = ? AND side = ? AND folder = ?
	`, accountID, side, folder)
	switch {
	case err == sql.ErrNoRows:
		row.Generation = uuid.NewString()
		_, err = db.Exec(`
			INSERT INTO id_mapper_generations (account_id, side, folder, generation, short_len)
			VALUES (?, ?, ?, ?, 0)
		`, accountID, side, folder, row.Generation)
		if err != nil {
			return nil, fmt.Errorf("failed to create mapper generation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read mapper generation: %w", err)
	}

	// Probe the entries table so corruption shows up now rather than mid sync.
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM id_mapper WHERE generation = ?", row.Generation); err != nil {
		return nil, fmt.Errorf("failed to read mapper entries: %w", err)
	}

	m.generation = row.Generation
	m.shortLen = row.ShortLen
	return m, nil
}

// Generation identifies the current set of aliases.
func (m *IDMapper) Generation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *IDMapper) Append(entries []Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(entries)
}

func (m *IDMapper) append(entries []Entry) (int, error) {
	if len(entries) == 0 {
		return m.shortLen, nil
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing []string
	if err := tx.Select(&existing, "SELECT hash FROM id_mapper WHERE generation = ?", m.generation); err != nil {
		return 0, fmt.Errorf("failed to read mapper entries: %w", err)
	}

	known := make(map[string]bool, len(existing))
	all := make([]string, 0, len(existing)+len(entries))
	for _, h := range existing {
		known[h] = true
		all = append(all, h)
	}
	fresh := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if known[e.Hash] {
			continue
		}
		known[e.Hash] = true
		all = append(all, e.Hash)
		fresh = append(fresh, e)
	}

	shortLen := m.shortLen
	if l := uniquePrefixLen(all); l > shortLen {
		shortLen = l
	}

	for _, e := range fresh {
		short := e.Hash
		if shortLen < len(short) {
			short = short[:shortLen]
		}
		_, err := tx.Exec(
			"INSERT INTO id_mapper (generation, hash, short_hash, id) VALUES (?, ?, ?, ?)",
			m.generation, e.Hash, short, e.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert mapper entry: %w", err)
		}
	}

	if shortLen != m.shortLen {
		_, err := tx.Exec("UPDATE id_mapper_generations SET short_len = ? WHERE generation = ?", shortLen, m.generation)
		if err != nil {
			return 0, fmt.Errorf("failed to update short length: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mapper entries: %w", err)
	}
	m.shortLen = shortLen
	return shortLen, nil
}

// Find resolves an alias. Exact aliases win; otherwise any unambiguous
// prefix of a full hash is accepted.
func (m *IDMapper) Find(alias string) (string, error) {
	if id, ok := m.found.Get(alias); ok {
		return id, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	err := m.db.Get(&id, "SELECT id FROM id_mapper WHERE generation = ? AND short_hash = ?", m.generation, alias)
	if err == nil {
		m.found.Add(alias, id)
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to find alias %s: %w", alias, err)
	}

	if !isHex(alias) {
		return "", fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	}

	var ids []string
	err = m.db.Select(&ids, "SELECT id FROM id_mapper WHERE generation = ? AND hash LIKE ? LIMIT 2", m.generation, alias+"%")
	if err != nil {
		return "", fmt.Errorf("failed to find alias %s: %w", alias, err)
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrAliasNotFound, alias)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrAliasAmbiguous, alias)
}

// CreateAlias returns the alias of id, appending it when new.
func (m *IDMapper) CreateAlias(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := EntryFor(id)
	var short string
	err := m.db.Get(&short, "SELECT short_hash FROM id_mapper WHERE generation = ? AND hash = ?", m.generation, e.Hash)
	if err == nil {
		return short, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read alias: %w", err)
	}

	if _, err := m.append([]Entry{e}); err != nil {
		return "", err
	}
	if err := m.db.Get(&short, "SELECT short_hash FROM id_mapper WHERE generation = ? AND hash = ?", m.generation, e.Hash); err != nil {
		return "", fmt.Errorf("failed to read alias: %w", err)
	}
	return short, nil
}

// Reset drops all aliases and starts a new generation.
func (m *IDMapper) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := uuid.NewString()
	tx, err := m.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM id_mapper WHERE generation = ?", m.generation); err != nil {
		return fmt.Errorf("failed to drop mapper entries: %w", err)
	}
	if _, err := tx.Exec("UPDATE id_mapper_generations SET generation = ?, short_len = 0 WHERE generation = ?", next, m.generation); err != nil {
		return fmt.Errorf("failed to rotate mapper generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapper reset: %w", err)
	}

	m.generation = next
	m.shortLen = 0
	m.found.Purge()
	return nil
}

// uniquePrefixLen is the shortest prefix length under which all hashes
// are distinct. Sorted neighbours have the longest common prefixes.
func uniquePrefixLen(hashes []string) int {
	if len(hashes) == 0 {
		return 0
	}
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	n := 1
	for i := 1; i < len(sorted); i++ {
		if l := commonPrefixLen(sorted[i-1], sorted[i]) + 1; l > n {
			n = l
		}
	}
	full := 0
	for _, h := range sorted {
		if len(h) > full {
			full = len(h)
		}
	}
	if n > full {
		n = full
	}
	return n
}

// isHex reports whether s is a non-empty lowercase hex string, the only
// form stored hashes take.
func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// DummyMapper maps every id to itself, full length.
type DummyMapper struct{}

func (DummyMapper) Append(entries []Entry) (int, error) { return sha256.Size * 2, nil }

func (DummyMapper) Find(alias string) (string, error) { return alias, nil }

func (DummyMapper) CreateAlias(id string) (string, error) { return id, nil }
