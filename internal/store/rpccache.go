package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertRPCRequestResult caches the result of a deterministic RPC call, so
// a later identical call (from a subsequent process run, or another
// filter's getCachedTransport use, §6/§9) can be answered from the store
// instead of the network.
func (s *Store) InsertRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rpc_request_results (request, chain_id, block_number, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request, chain_id, block_number) DO NOTHING`,
		request, chainID, blockNumber, result,
	)
	if err != nil {
		return fmt.Errorf("caching rpc request result: %w", err)
	}
	return nil
}

// GetRPCRequestResult returns a previously cached result, or (nil, false)
// on a cache miss.
func (s *Store) GetRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM rpc_request_results WHERE request = ? AND chain_id = ? AND block_number = ?`,
		request, chainID, blockNumber,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached rpc request result: %w", err)
	}
	return result, true, nil
}
