package cache

// Schema contains SQL schema definitions for the cache
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    imap_username TEXT NOT NULL,
    maildir_path TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folders present on both sides after the last sync
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    last_synced DATETIME,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, name)
);

-- Merged flags of every message known to both sides after the last sync
CREATE TABLE IF NOT EXISTS sync_state (
    folder_id INTEGER NOT NULL,
    identity TEXT NOT NULL,
    flags TEXT NOT NULL,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
    PRIMARY KEY (folder_id, identity)
);

-- One ID mapper generation per account, side and folder
CREATE TABLE IF NOT EXISTS id_mapper_generations (
    account_id INTEGER NOT NULL,
    side TEXT NOT NULL,
    folder TEXT NOT NULL,
    generation TEXT NOT NULL,
    short_len INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    PRIMARY KEY (account_id, side, folder)
);

CREATE TABLE IF NOT EXISTS id_mapper (
    generation TEXT NOT NULL,
    hash TEXT NOT NULL,
    short_hash TEXT NOT NULL,
    id TEXT NOT NULL,
    PRIMARY KEY (generation, hash),
    UNIQUE (generation, short_hash)
);

CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_id_mapper_id ON id_mapper(generation, id);
`
