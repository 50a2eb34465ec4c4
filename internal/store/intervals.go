package store

import (
	"context"
	"database/sql"
	"fmt"

	"chainindex/internal/filter"
	"chainindex/internal/interval"
)

// InsertInterval appends one completed block range for a filter. Interval
// rows are never deleted during historical sync (§3's Lifecycle); they are
// merged lazily by GetIntervals, and truncated only by reorg pruning.
func (s *Store) InsertInterval(ctx context.Context, kind filter.Kind, chainID uint64, filterID string, r interval.Range) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interval (chain_id, kind, filter_id, "from", "to") VALUES (?, ?, ?, ?, ?)`,
		chainID, string(kind), filterID, r.Lo, r.Hi,
	)
	if err != nil {
		return fmt.Errorf("inserting interval for %s: %w", filterID, err)
	}
	return nil
}

// GetIntervals reads every interval row for a filter, merges them into
// their minimal disjoint union, writes the merged set back in a single
// transaction (replacing the raw rows), and returns it. This both answers
// the query and compacts the table, per §4.4.
func (s *Store) GetIntervals(ctx context.Context, kind filter.Kind, chainID uint64, filterID string) ([]interval.Range, error) {
	var merged []interval.Range

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT "from", "to" FROM interval WHERE kind = ? AND chain_id = ? AND filter_id = ?`,
			string(kind), chainID, filterID)
		if err != nil {
			return fmt.Errorf("querying intervals: %w", err)
		}

		var raw []interval.Range
		for rows.Next() {
			var r interval.Range
			if err := rows.Scan(&r.Lo, &r.Hi); err != nil {
				rows.Close()
				return fmt.Errorf("scanning interval: %w", err)
			}
			raw = append(raw, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		merged = interval.Union(raw)

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM interval WHERE kind = ? AND chain_id = ? AND filter_id = ?`,
			string(kind), chainID, filterID); err != nil {
			return fmt.Errorf("clearing intervals: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO interval (chain_id, kind, filter_id, "from", "to") VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing interval insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range merged {
			if _, err := stmt.ExecContext(ctx, chainID, string(kind), filterID, r.Lo, r.Hi); err != nil {
				return fmt.Errorf("rewriting interval: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// TruncateIntervals clips every interval row for chainID to at most
// ancestor, dropping rows that start strictly above it. Used by reorg
// pruning (§4.7/§4.8).
func (s *Store) TruncateIntervals(ctx context.Context, chainID uint64, ancestor uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM interval WHERE chain_id = ? AND "from" > ?`, chainID, ancestor); err != nil {
			return fmt.Errorf("deleting intervals above ancestor: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE interval SET "to" = ? WHERE chain_id = ? AND "to" > ?`, ancestor, chainID, ancestor); err != nil {
			return fmt.Errorf("truncating intervals to ancestor: %w", err)
		}
		return nil
	})
}
