package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertBlock upserts a block row, ignoring the insert entirely if the
// (hash, chain_id) pair already exists — conflicts always resolve to keep
// the existing row (§3).
func (s *Store) InsertBlock(ctx context.Context, b Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block (hash, chain_id, number, timestamp, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hash, chain_id) DO NOTHING`,
		b.Hash, b.ChainID, b.Number, b.Timestamp, b.Body,
	)
	if err != nil {
		return fmt.Errorf("inserting block %s: %w", b.Hash, err)
	}
	return nil
}

// HasBlock reports whether a block with the given hash is already cached
// for chainID.
func (s *Store) HasBlock(ctx context.Context, chainID uint64, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM block WHERE hash = ? AND chain_id = ?`, hash, chainID)
}

// GetBlockTimestamp returns the timestamp recorded for a cached block,
// needed when computing checkpoints for events whose block was cached in a
// previous sync run.
func (s *Store) GetBlockTimestamp(ctx context.Context, chainID uint64, hash string) (uint64, error) {
	var ts uint64
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM block WHERE hash = ? AND chain_id = ?`, hash, chainID).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("reading block timestamp for %s: %w", hash, err)
	}
	return ts, nil
}

// InsertTransaction upserts a transaction row.
func (s *Store) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO "transaction" (hash, chain_id, block_number, transaction_index, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (hash, chain_id) DO NOTHING`,
		t.Hash, t.ChainID, t.BlockNumber, t.TransactionIndex, t.Body,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction %s: %w", t.Hash, err)
	}
	return nil
}

// HasTransaction reports whether a transaction is already cached for chainID.
func (s *Store) HasTransaction(ctx context.Context, chainID uint64, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM "transaction" WHERE hash = ? AND chain_id = ?`, hash, chainID)
}

// InsertTransactionReceipt upserts a transaction receipt row.
func (s *Store) InsertTransactionReceipt(ctx context.Context, r TransactionReceipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_receipt (hash, chain_id, block_number, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (hash, chain_id) DO NOTHING`,
		r.Hash, r.ChainID, r.BlockNumber, r.Body,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction receipt %s: %w", r.Hash, err)
	}
	return nil
}

// HasTransactionReceipt reports whether a receipt is already cached for chainID.
func (s *Store) HasTransactionReceipt(ctx context.Context, chainID uint64, hash string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM transaction_receipt WHERE hash = ? AND chain_id = ?`, hash, chainID)
}

// InsertLogs bulk-upserts logs inside one transaction, deduping on
// (block_hash, log_index, chain_id).
func (s *Store) InsertLogs(ctx context.Context, logs []Log) error {
	if len(logs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO log (block_hash, log_index, chain_id, block_number, address,
				topic0, topic1, topic2, topic3, data, transaction_hash, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (block_hash, log_index, chain_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing log insert: %w", err)
		}
		defer stmt.Close()

		for _, l := range logs {
			if _, err := stmt.ExecContext(ctx,
				l.BlockHash, l.LogIndex, l.ChainID, l.BlockNumber, l.Address,
				l.Topic0, l.Topic1, l.Topic2, l.Topic3, l.Data, l.TransactionHash, l.Body,
			); err != nil {
				return fmt.Errorf("inserting log %s/%d: %w", l.BlockHash, l.LogIndex, err)
			}
		}
		return nil
	})
}

func (s *Store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
