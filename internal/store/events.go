package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"chainindex/internal/checkpoint"
	"chainindex/internal/filter"
	"chainindex/internal/interval"
)

// PopulateEvents derives event rows from the raw tables for filter over the
// closed range r and inserts them via INSERT ... ON CONFLICT DO NOTHING, so
// that running it twice over the same range is a no-op (§8's idempotence
// property). The log and block-interval cases are expressed as two
// physically separate queries per §4.4; each call runs one of them, and its
// select and inserts share one transaction so a crash mid-materialization
// can never leave a partially-populated range.
func (s *Store) PopulateEvents(ctx context.Context, f filter.Filter, filterID string, r interval.Range) (int, error) {
	switch {
	case f.Log != nil:
		return s.populateLogEvents(ctx, *f.Log, filterID, r.Lo, r.Hi)
	case f.Block != nil:
		return s.populateBlockEvents(ctx, *f.Block, filterID, r.Lo, r.Hi)
	default:
		return 0, fmt.Errorf("populateEvents: empty filter")
	}
}

func clampRange(lo, hi, filterFrom uint64, filterTo *uint64) (uint64, uint64, bool) {
	if filterFrom > lo {
		lo = filterFrom
	}
	if filterTo != nil && *filterTo < hi {
		hi = *filterTo
	}
	if lo > hi {
		return 0, 0, false
	}
	return lo, hi, true
}

func (s *Store) populateLogEvents(ctx context.Context, lf filter.LogFilter, filterID string, rangeLo, rangeHi uint64) (int, error) {
	lo, hi, ok := clampRange(rangeLo, rangeHi, lf.FromBlock, lf.ToBlock)
	if !ok {
		return 0, nil
	}

	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query, args := buildLogSelect(lf, lo, hi)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("selecting matching logs: %w", err)
		}

		type row struct {
			blockHash, txHash, address                 string
			blockNumber, logIndex, blockTS, txIndex     uint64
			topic0, topic1, topic2, topic3              sql.NullString
			data                                        []byte
		}
		var matched []row
		for rows.Next() {
			var rr row
			if err := rows.Scan(&rr.blockHash, &rr.logIndex, &rr.blockNumber, &rr.address,
				&rr.topic0, &rr.topic1, &rr.topic2, &rr.topic3, &rr.data, &rr.txHash,
				&rr.blockTS, &rr.txIndex); err != nil {
				rows.Close()
				return fmt.Errorf("scanning matched log: %w", err)
			}
			matched = append(matched, rr)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(matched) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event (filter_id, checkpoint, chain_id, block_number, block_hash, log_index, transaction_hash, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (filter_id, checkpoint, chain_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing event insert: %w", err)
		}
		defer stmt.Close()

		for _, rr := range matched {
			cp := checkpoint.EncodeLog(rr.blockTS, lf.ChainID, rr.blockNumber, rr.txIndex, rr.logIndex)
			payload, err := json.Marshal(LogEventData{
				Data:   fmt.Sprintf("0x%x", rr.data),
				Topic0: nullableString(rr.topic0),
				Topic1: nullableString(rr.topic1),
				Topic2: nullableString(rr.topic2),
				Topic3: nullableString(rr.topic3),
			})
			if err != nil {
				return fmt.Errorf("encoding event payload: %w", err)
			}

			res, err := stmt.ExecContext(ctx, filterID, cp, lf.ChainID, rr.blockNumber, rr.blockHash, rr.logIndex, rr.txHash, payload)
			if err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// buildLogSelect builds the query that joins log -> block (for timestamp)
// and log -> transaction (for transaction index), constrained by the log
// filter's address/topic predicates and the clamped block range.
func buildLogSelect(lf filter.LogFilter, lo, hi uint64) (string, []interface{}) {
	var where []string
	args := []interface{}{}

	where = append(where, "log.chain_id = ?")
	args = append(args, lf.ChainID)
	where = append(where, "log.block_number BETWEEN ? AND ?")
	args = append(args, lo, hi)

	switch {
	case lf.Address.IsChildAddressFilter():
		where = append(where, "log.address IN (SELECT address FROM address WHERE chain_id = ? AND filter_id = ?)")
		args = append(args, lf.ChainID, filter.ChildAddressFilterID(lf.Address.Child))
	case lf.Address.Single != "":
		where = append(where, "log.address = ?")
		args = append(args, strings.ToLower(lf.Address.Single))
	case len(lf.Address.Set) > 0:
		placeholders := make([]string, len(lf.Address.Set))
		for i, a := range lf.Address.Set {
			placeholders[i] = "?"
			args = append(args, strings.ToLower(a))
		}
		where = append(where, fmt.Sprintf("log.address IN (%s)", strings.Join(placeholders, ",")))
	}

	topicCols := []string{"log.topic0", "log.topic1", "log.topic2", "log.topic3"}
	for i, constraint := range lf.Topics {
		if constraint == nil {
			continue
		}
		if len(constraint) == 1 {
			where = append(where, fmt.Sprintf("%s = ?", topicCols[i]))
			args = append(args, strings.ToLower(constraint[0]))
			continue
		}
		placeholders := make([]string, len(constraint))
		for j, t := range constraint {
			placeholders[j] = "?"
			args = append(args, strings.ToLower(t))
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", topicCols[i], strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`
		SELECT log.block_hash, log.log_index, log.block_number, log.address,
			log.topic0, log.topic1, log.topic2, log.topic3, log.data, log.transaction_hash,
			block.timestamp, COALESCE("transaction".transaction_index, 0)
		FROM log
		JOIN block ON block.hash = log.block_hash AND block.chain_id = log.chain_id
		LEFT JOIN "transaction" ON "transaction".hash = log.transaction_hash AND "transaction".chain_id = log.chain_id
		WHERE %s`, strings.Join(where, " AND "))

	return query, args
}

func (s *Store) populateBlockEvents(ctx context.Context, bf filter.BlockFilter, filterID string, rangeLo, rangeHi uint64) (int, error) {
	lo, hi, ok := clampRange(rangeLo, rangeHi, bf.FromBlock, bf.ToBlock)
	if !ok {
		return 0, nil
	}

	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT hash, number, timestamp FROM block
			WHERE chain_id = ? AND number BETWEEN ? AND ? AND (number - ?) % ? = 0`,
			bf.ChainID, lo, hi, bf.Offset, bf.Interval)
		if err != nil {
			return fmt.Errorf("selecting matching blocks: %w", err)
		}

		type row struct {
			hash string
			num  uint64
			ts   uint64
		}
		var matched []row
		for rows.Next() {
			var rr row
			if err := rows.Scan(&rr.hash, &rr.num, &rr.ts); err != nil {
				rows.Close()
				return fmt.Errorf("scanning matched block: %w", err)
			}
			matched = append(matched, rr)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event (filter_id, checkpoint, chain_id, block_number, block_hash, log_index, transaction_hash, data)
			VALUES (?, ?, ?, ?, ?, 0, NULL, NULL)
			ON CONFLICT (filter_id, checkpoint, chain_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing block event insert: %w", err)
		}
		defer stmt.Close()

		for _, rr := range matched {
			cp := checkpoint.EncodeBlock(rr.ts, bf.ChainID, rr.num)
			res, err := stmt.ExecContext(ctx, filterID, cp, bf.ChainID, rr.num, rr.hash)
			if err != nil {
				return fmt.Errorf("inserting block event: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// GetEvents returns event rows whose checkpoint falls in (from, to] and
// whose filter_id is one of q.FilterIDs, ordered by (checkpoint, filter_id)
// and capped at q.Limit. If fewer than Limit rows are returned, the cursor
// is q.To (the caller has exhausted this window); otherwise the cursor is
// the checkpoint of the last returned row, after first completing that
// checkpoint's full tie group across filter_id (see getEventsTieBreak) so a
// subsequent call with from=cursor never re-returns or skips a row (§8).
func (s *Store) GetEvents(ctx context.Context, q EventQuery) (EventPage, error) {
	if len(q.FilterIDs) == 0 {
		return EventPage{Cursor: q.To}, nil
	}

	placeholders := make([]string, len(q.FilterIDs))
	args := []interface{}{q.From, q.To}
	for i, id := range q.FilterIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT filter_id, checkpoint, chain_id, block_number, block_hash, log_index, transaction_hash, data
		FROM event
		WHERE checkpoint > ? AND checkpoint <= ? AND filter_id IN (%s)
		ORDER BY checkpoint ASC, filter_id ASC
		LIMIT ?`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return EventPage{}, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var txHash sql.NullString
		if err := rows.Scan(&e.FilterID, &e.Checkpoint, &e.ChainID, &e.BlockNumber, &e.BlockHash, &e.LogIndex, &txHash, &e.Data); err != nil {
			return EventPage{}, fmt.Errorf("scanning event: %w", err)
		}
		e.TransactionHash = txHash.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, err
	}

	cursor := q.To
	if len(events) == int(q.Limit) {
		last := events[len(events)-1]
		// The page may have cut off mid-tie: other rows at the same
		// checkpoint but a higher filter_id could exist beyond the limit.
		// Pull them in now so the cursor can safely become `last.Checkpoint`
		// — the next page's exclusive `checkpoint > cursor` bound would
		// otherwise skip them forever.
		rest, err := s.getEventsTieBreak(ctx, q.FilterIDs, last.Checkpoint, last.FilterID)
		if err != nil {
			return EventPage{}, err
		}
		events = append(events, rest...)
		cursor = last.Checkpoint
	}

	return EventPage{Events: events, Cursor: cursor}, nil
}

// getEventsTieBreak returns every event at exactly checkpoint cp, among the
// requested filters, whose filter_id sorts after lastFilterID — the rows a
// LIMIT-bounded page could have cut off mid-tie.
func (s *Store) getEventsTieBreak(ctx context.Context, filterIDs []string, cp, lastFilterID string) ([]Event, error) {
	placeholders := make([]string, len(filterIDs))
	args := []interface{}{cp, lastFilterID}
	for i, id := range filterIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT filter_id, checkpoint, chain_id, block_number, block_hash, log_index, transaction_hash, data
		FROM event
		WHERE checkpoint = ? AND filter_id > ? AND filter_id IN (%s)
		ORDER BY filter_id ASC`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tie-break events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var txHash sql.NullString
		if err := rows.Scan(&e.FilterID, &e.Checkpoint, &e.ChainID, &e.BlockNumber, &e.BlockHash, &e.LogIndex, &txHash, &e.Data); err != nil {
			return nil, fmt.Errorf("scanning tie-break event: %w", err)
		}
		e.TransactionHash = txHash.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEventCount returns an advisory count of events matching the given
// filters, for progress reporting. Per §9 it need not be exact under
// concurrent writes.
func (s *Store) GetEventCount(ctx context.Context, filterIDs []string) (int64, error) {
	if len(filterIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(filterIDs))
	args := make([]interface{}, len(filterIDs))
	for i, id := range filterIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM event WHERE filter_id IN (%s)`, strings.Join(placeholders, ","))
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

// PruneAboveBlock deletes raw and event rows for chainID strictly above
// ancestor, used during reorg handling (§4.7/§8's reorg invariant).
func (s *Store) PruneAboveBlock(ctx context.Context, chainID uint64, ancestor uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM event WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM log WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM "transaction" WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM transaction_receipt WHERE chain_id = ? AND block_number > ?`,
			`DELETE FROM block WHERE chain_id = ? AND number > ?`,
			`DELETE FROM address WHERE chain_id = ? AND block_number > ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, chainID, ancestor); err != nil {
				return fmt.Errorf("pruning above block %d: %w", ancestor, err)
			}
		}
		return nil
	})
}
