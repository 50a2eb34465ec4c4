// Package store implements the sync engine's durable cache (C4): raw chain
// objects, discovered child addresses, completed block intervals, and
// materialized filter-matched events, all keyed for incremental reuse
// across historical sync runs and durable across process restarts.
//
// The schema is designed to be equivalent across an embedded and a
// server-side SQL backend up to integer/text encoding of large numerics
// (§4.4). This implementation targets the embedded backend (SQLite, via
// mattn/go-sqlite3) used by the teacher repo's own persistence layer;
// checkpoint columns that must sort lexically are stored as fixed-width
// TEXT already encoded in Go by internal/checkpoint, while numeric columns
// such as block_number and chain_id are plain INTEGER columns, which SQLite
// compares numerically.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store provides SQLite-based persistence for the sync engine's raw and
// materialized tables.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite-backed Store at dbPath and
// runs migrations. Passing ":memory:" opens a private in-memory database,
// used by tests and the integration test for a fresh-cache run.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer; a single connection avoids
	// SQLITE_BUSY under the historical/realtime/coordinator write mix.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS block (
			hash TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			number INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (hash, chain_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_block_chain_number ON block(chain_id, number)`,

		`CREATE TABLE IF NOT EXISTS "transaction" (
			hash TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			transaction_index INTEGER NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (hash, chain_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transaction_receipt (
			hash TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (hash, chain_id)
		)`,

		`CREATE TABLE IF NOT EXISTS log (
			block_hash TEXT NOT NULL,
			log_index INTEGER NOT NULL,
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			address TEXT NOT NULL,
			topic0 TEXT,
			topic1 TEXT,
			topic2 TEXT,
			topic3 TEXT,
			data BLOB,
			transaction_hash TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (block_hash, log_index, chain_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_chain_block ON log(chain_id, block_number)`,
		`CREATE INDEX IF NOT EXISTS idx_log_chain_address ON log(chain_id, address)`,
		`CREATE INDEX IF NOT EXISTS idx_log_chain_topic0 ON log(chain_id, topic0)`,

		`CREATE TABLE IF NOT EXISTS address (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chain_id INTEGER NOT NULL,
			filter_id TEXT NOT NULL,
			block_number INTEGER NOT NULL,
			address TEXT NOT NULL,
			UNIQUE (chain_id, filter_id, address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_address_filter ON address(filter_id)`,

		`CREATE TABLE IF NOT EXISTS interval (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chain_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			filter_id TEXT NOT NULL,
			"from" INTEGER NOT NULL,
			"to" INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interval_filter ON interval(kind, filter_id)`,

		`CREATE TABLE IF NOT EXISTS event (
			filter_id TEXT NOT NULL,
			checkpoint TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			block_hash TEXT NOT NULL,
			log_index INTEGER NOT NULL,
			transaction_hash TEXT,
			data BLOB,
			PRIMARY KEY (filter_id, checkpoint, chain_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_checkpoint ON event(checkpoint, filter_id)`,

		`CREATE TABLE IF NOT EXISTS rpc_request_results (
			request TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			result BLOB NOT NULL,
			PRIMARY KEY (request, chain_id, block_number)
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migrations: %w", err)
	}

	log.Info().Msg("sync store migrations completed")
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back (logging any rollback error beyond sql.ErrTxDone) otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			log.Error().Err(rerr).Msg("rolling back transaction")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
