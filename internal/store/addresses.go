package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// AddressBlock pairs a discovered child address with the block number it
// was discovered at.
type AddressBlock struct {
	Address     string
	BlockNumber uint64
}

// InsertAddresses inserts child addresses discovered under filterID on
// chainID. Duplicate (chain_id, filter_id, address) triples are ignored.
func (s *Store) InsertAddresses(ctx context.Context, chainID uint64, filterID string, addrs []AddressBlock) error {
	if len(addrs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO address (chain_id, filter_id, block_number, address)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (chain_id, filter_id, address) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing address insert: %w", err)
		}
		defer stmt.Close()

		for _, a := range addrs {
			if _, err := stmt.ExecContext(ctx, chainID, filterID, a.BlockNumber, strings.ToLower(a.Address)); err != nil {
				return fmt.Errorf("inserting address %s: %w", a.Address, err)
			}
		}
		return nil
	})
}

// GetAddresses returns every child address discovered under filterID,
// lowercased.
func (s *Store) GetAddresses(ctx context.Context, chainID uint64, filterID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM address WHERE chain_id = ? AND filter_id = ?`, chainID, filterID)
	if err != nil {
		return nil, fmt.Errorf("querying addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scanning address: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}
