// Package checkpoint implements the fixed-width, lexically-ordered event
// ordering key used to merge events from independent chains into one
// global stream.
package checkpoint

import (
	"fmt"
	"strconv"
)

// Field widths, in characters, of the zero-padded decimal checkpoint string.
const (
	widthTimestamp        = 10
	widthChainID          = 16
	widthBlockNumber      = 16
	widthTransactionIndex = 16
	widthEventType        = 1
	widthEventIndex       = 16

	// Length is the total width of an encoded checkpoint.
	Length = widthTimestamp + widthChainID + widthBlockNumber + widthTransactionIndex + widthEventType + widthEventIndex
)

// EventType distinguishes log events from block-interval events within a
// checkpoint. Both currently encode to the same digit; block events zero
// out the trailing fields so they sort after every log event in the same
// block.
type EventType byte

const (
	EventTypeLog   EventType = '5'
	EventTypeBlock EventType = '5'
)

// maxTransactionIndex/zeroEventIndex fill the trailing fields of a block-event checkpoint.
const (
	maxTransactionIndex = "9999999999999999"
	zeroEventIndex      = "0000000000000000"
)

// Checkpoint is the decoded form of an encoded checkpoint string. It exists
// for tests and realtime reporting; the engine otherwise works with the
// encoded string directly.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	EventType        EventType
	EventIndex       uint64
}

// Zero is the all-zeros sentinel: no real checkpoint can compare less than it.
var Zero = encodeZero()

// Max is the all-nines sentinel: no real checkpoint can compare greater than it.
var Max = encodeMax()

func encodeZero() string {
	return fmt.Sprintf("%0*d%0*d%0*d%0*d%01d%0*d",
		widthTimestamp, 0,
		widthChainID, 0,
		widthBlockNumber, 0,
		widthTransactionIndex, 0,
		0,
		widthEventIndex, 0,
	)
}

func encodeMax() string {
	nines := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = '9'
		}
		return string(b)
	}
	return nines(widthTimestamp) + nines(widthChainID) + nines(widthBlockNumber) +
		nines(widthTransactionIndex) + nines(widthEventType) + nines(widthEventIndex)
}

// EncodeLog builds the checkpoint for a log event.
func EncodeLog(blockTimestamp, chainID, blockNumber, transactionIndex, eventIndex uint64) string {
	return encode(blockTimestamp, chainID, blockNumber, transactionIndex, EventTypeLog, eventIndex)
}

// EncodeBlock builds the checkpoint for a block-interval event. Per §3 of
// the ordering scheme, a block event sorts after all log events emitted in
// its own block: transactionIndex and eventIndex are maxed/zeroed rather
// than carrying a real value.
func EncodeBlock(blockTimestamp, chainID, blockNumber uint64) string {
	return fmt.Sprintf("%0*d%0*d%0*d%s%01d%s",
		widthTimestamp, blockTimestamp,
		widthChainID, chainID,
		widthBlockNumber, blockNumber,
		maxTransactionIndex,
		EventTypeBlock-'0',
		zeroEventIndex,
	)
}

func encode(blockTimestamp, chainID, blockNumber, transactionIndex uint64, eventType EventType, eventIndex uint64) string {
	return fmt.Sprintf("%0*d%0*d%0*d%0*d%01d%0*d",
		widthTimestamp, blockTimestamp,
		widthChainID, chainID,
		widthBlockNumber, blockNumber,
		widthTransactionIndex, transactionIndex,
		eventType-'0',
		widthEventIndex, eventIndex,
	)
}

// Decode parses an encoded checkpoint string back into its fields. It is
// used only by tests and by realtime notifications that surface a
// checkpoint's block number to the caller.
func Decode(s string) (Checkpoint, error) {
	if len(s) != Length {
		return Checkpoint{}, fmt.Errorf("checkpoint: expected length %d, got %d", Length, len(s))
	}

	offsets := []int{0, widthTimestamp, widthTimestamp + widthChainID,
		widthTimestamp + widthChainID + widthBlockNumber,
		widthTimestamp + widthChainID + widthBlockNumber + widthTransactionIndex,
		widthTimestamp + widthChainID + widthBlockNumber + widthTransactionIndex + widthEventType,
	}

	parseUint := func(from, to int) (uint64, error) {
		return strconv.ParseUint(s[from:to], 10, 64)
	}

	ts, err := parseUint(offsets[0], offsets[1])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parsing timestamp: %w", err)
	}
	chainID, err := parseUint(offsets[1], offsets[2])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parsing chain id: %w", err)
	}
	blockNumber, err := parseUint(offsets[2], offsets[3])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parsing block number: %w", err)
	}
	txIndex, err := parseUint(offsets[3], offsets[4])
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parsing transaction index: %w", err)
	}
	eventType := EventType(s[offsets[4]] )
	eventIndex, err := parseUint(offsets[4]+widthEventType, Length)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parsing event index: %w", err)
	}

	return Checkpoint{
		BlockTimestamp:   ts,
		ChainID:          chainID,
		BlockNumber:      blockNumber,
		TransactionIndex: txIndex,
		EventType:        eventType,
		EventIndex:       eventIndex,
	}, nil
}

// LowerBound encodes the smallest checkpoint sharing the given (timestamp,
// chainId, blockNumber) triple — every trailing field (txIndex, eventType,
// eventIndex) zeroed. The coordinator uses this to turn a chain's
// startBlock into an inclusive lower bound (§4.8's "zeroCheckpoint" tail).
func LowerBound(timestamp, chainID, blockNumber uint64) string {
	return fmt.Sprintf("%0*d%0*d%0*d%0*d%01d%0*d",
		widthTimestamp, timestamp,
		widthChainID, chainID,
		widthBlockNumber, blockNumber,
		widthTransactionIndex, 0,
		0,
		widthEventIndex, 0,
	)
}

// UpperBound encodes the largest checkpoint sharing the given (timestamp,
// chainId, blockNumber) triple — every trailing field maxed. The
// coordinator uses this to turn a chain's latestBlock/finalizedBlock into
// an inclusive upper bound (§4.8's "maxCheckpoint" tail).
func UpperBound(timestamp, chainID, blockNumber uint64) string {
	nines := func(n int) string {
		b := make([]byte, n)
		for i := range b {
			b[i] = '9'
		}
		return string(b)
	}
	return fmt.Sprintf("%0*d%0*d%0*d%s%s%s",
		widthTimestamp, timestamp,
		widthChainID, chainID,
		widthBlockNumber, blockNumber,
		nines(widthTransactionIndex),
		nines(widthEventType),
		nines(widthEventIndex),
	)
}

// Min returns the lexical (== tuple) minimum of the given checkpoints. It
// panics on an empty slice since the coordinator always calls it with at
// least one active chain.
func Min(checkpoints ...string) string {
	if len(checkpoints) == 0 {
		panic("checkpoint: Min called with no checkpoints")
	}
	min := checkpoints[0]
	for _, c := range checkpoints[1:] {
		if c < min {
			min = c
		}
	}
	return min
}

// Less reports whether a sorts strictly before b. Encoded checkpoints are
// fixed-width zero-padded decimal strings, so this is equivalent to tuple
// comparison on (timestamp, chainId, blockNumber, txIndex, type, index).
func Less(a, b string) bool {
	return a < b
}
