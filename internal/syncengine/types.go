// Package syncengine drives the per-chain historical and realtime sync
// loops and merges their progress into one checkpoint-ordered event stream,
// generalizing the teacher's single-chain ingestion service (internal
// reference: legacy_service.go, legacy_websocket.go, legacy_reconciler.go)
// to the multi-chain, multi-filter-kind model.
package syncengine

import (
	"chainindex/internal/filter"
	"chainindex/internal/store"
)

// Source pairs a filter with the user-facing naming the coordinator and
// ABI decoder need; the engine itself only consumes Filter.
type Source struct {
	Name        string
	NetworkName string
	Filter      filter.Filter
	FilterID    string
}

// RawEvent is one materialized filter hit as handed to the downstream
// indexing layer (§6): Data is nil for block events and the JSON-encoded
// {data, topic0..topic3} payload for log events.
type RawEvent struct {
	FilterID        string
	Checkpoint      string
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       string
	LogIndex        uint64
	TransactionHash string
	Data            []byte
}

func rawEventFromStore(e store.Event) RawEvent {
	return RawEvent{
		FilterID:        e.FilterID,
		Checkpoint:      e.Checkpoint,
		ChainID:         e.ChainID,
		BlockNumber:     e.BlockNumber,
		BlockHash:       e.BlockHash,
		LogIndex:        e.LogIndex,
		TransactionHash: e.TransactionHash,
		Data:            e.Data,
	}
}

func rawEventsFromStore(events []store.Event) []RawEvent {
	out := make([]RawEvent, len(events))
	for i, e := range events {
		out[i] = rawEventFromStore(e)
	}
	return out
}

// RealtimeEventType tags a RealtimeEvent variant (§6).
type RealtimeEventType string

const (
	RealtimeEventBlock    RealtimeEventType = "block"
	RealtimeEventReorg    RealtimeEventType = "reorg"
	RealtimeEventFinalize RealtimeEventType = "finalize"
)

// RealtimeEvent is one notification raised to the coordinator's downstream
// callback (§6/§4.8's "Realtime translation").
type RealtimeEvent struct {
	Type       RealtimeEventType
	ChainID    uint64
	Events     []RawEvent // populated for RealtimeEventBlock
	Checkpoint string     // populated for RealtimeEventReorg / RealtimeEventFinalize
}

// Recorder is the subset of indexer metrics the sync engine reports
// through; internal/metrics.Metrics satisfies it. Every call site treats a
// nil Recorder as "metrics disabled", matching the teacher's nil-checked
// `if s.metrics != nil` pattern.
type Recorder interface {
	AddCompletedBlocks(chainID uint64, sourceName string, n uint64)
	SetCachedBlocks(chainID uint64, sourceName string, n uint64)
	SetTotalBlocks(chainID uint64, sourceName string, n uint64)
	SetLastBlockSeen(chainID uint64, n uint64)
	SetRealtimeConnected(chainID uint64, connected bool)
	RecordReorgDepth(chainID uint64, depth uint64)
	RecordEventsMaterialized(chainID uint64, kind string, n int)
}

// FatalErrorFunc is invoked on an unrecoverable realtime failure (§7):
// invariant violations and exhausted-retry RPC errors during the realtime
// follower loop, after which the follower terminates itself.
type FatalErrorFunc func(chainID uint64, err error)
