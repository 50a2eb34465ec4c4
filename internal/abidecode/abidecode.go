// Package abidecode turns raw cached log events back into named,
// ABI-decoded values for a source's declared event signature, generalizing
// the teacher's hardcoded Sync/PoolCreated Decoder into an arbitrary,
// per-source ABI (§6 decodeEvents).
package abidecode

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"chainindex/internal/store"
)

// EventABI is the ABI shape a Source declares for one log event: the
// human-readable signature ("Sync(uint256,uint112)") plus which arguments
// are indexed, in declaration order. This mirrors how the teacher built
// abi.Arguments by hand for Sync/PoolCreated, generalized to any signature.
type EventABI struct {
	Name      string
	Signature string
	Inputs    []Argument
}

// Argument is one named, typed event parameter.
type Argument struct {
	Name    string
	Type    string
	Indexed bool
}

// Topic0 returns the keccak256 hash of the event signature, used to match
// a raw log's stored topic0 against this ABI entry.
func (e EventABI) Topic0() common.Hash {
	return crypto.Keccak256Hash([]byte(e.Signature))
}

func (e EventABI) arguments() (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(e.Inputs))
	for _, in := range e.Inputs {
		t, err := abi.NewType(in.Type, "", nil)
		if err != nil {
			return nil, fmt.Errorf("abi type %q for %s.%s: %w", in.Type, e.Name, in.Name, err)
		}
		args = append(args, abi.Argument{Name: in.Name, Type: t, Indexed: in.Indexed})
	}
	return args, nil
}

// DecodedEvent is the named-argument result of decoding one raw log event
// against its source's ABI (§6's "Event" log variant).
type DecodedEvent struct {
	ChainID         uint64
	ContractName    string
	LogEventName    string
	Args            map[string]any
	ID              string // checkpoint, doubling as a stable event identity
	Checkpoint      string
	BlockNumber     uint64
	BlockHash       string
	LogIndex        uint64
	TransactionHash string
}

// Cache is a per-filter-id memo of eventSelector -> compiled ABI arguments,
// built once per Decode call rather than as a process-wide singleton (§9).
type Cache struct {
	bySelector map[string]abi.Arguments
}

func newCache() *Cache {
	return &Cache{bySelector: map[string]abi.Arguments{}}
}

func (c *Cache) arguments(filterID string, e EventABI) (abi.Arguments, error) {
	key := filterID + ":" + e.Topic0().Hex()
	if args, ok := c.bySelector[key]; ok {
		return args, nil
	}
	args, err := e.arguments()
	if err != nil {
		return nil, err
	}
	c.bySelector[key] = args
	return args, nil
}

// Source is the subset of a user's declared source the decoder needs: the
// contract/network naming plus the event ABI to decode against, keyed by
// the filter id whose raw events it owns.
type Source struct {
	FilterID     string
	ContractName string
	NetworkName  string
	Events       []EventABI
}

// Decode decodes every raw log event in rawEvents against the ABI declared
// by its owning source, looked up by filter_id then topic0 (§6). Raw block
// events (Data == nil) pass through with no ABI args. A raw log event whose
// topic0 matches no declared ABI entry for its source is skipped rather
// than erroring, since a source's filter can legitimately observe log
// shapes the caller did not declare (e.g. a catch-all address filter).
func Decode(sources []Source, rawEvents []store.Event) ([]DecodedEvent, error) {
	bySourceID := make(map[string]Source, len(sources))
	for _, s := range sources {
		bySourceID[s.FilterID] = s
	}

	cache := newCache()
	decoded := make([]DecodedEvent, 0, len(rawEvents))

	for _, raw := range rawEvents {
		src, ok := bySourceID[raw.FilterID]
		if !ok {
			return nil, fmt.Errorf("decoding event %s: unknown source for filter %s", raw.Checkpoint, raw.FilterID)
		}

		if raw.Data == nil {
			decoded = append(decoded, DecodedEvent{
				ChainID:      raw.ChainID,
				ContractName: src.ContractName,
				Checkpoint:   raw.Checkpoint,
				ID:           raw.Checkpoint,
				BlockNumber:  raw.BlockNumber,
				BlockHash:    raw.BlockHash,
			})
			continue
		}

		var logData store.LogEventData
		if err := json.Unmarshal(raw.Data, &logData); err != nil {
			return nil, fmt.Errorf("decoding event payload at %s: %w", raw.Checkpoint, err)
		}

		eventABI, ok := matchEventABI(src.Events, logData.Topic0)
		if !ok {
			continue
		}

		args, err := cache.arguments(src.FilterID, eventABI)
		if err != nil {
			return nil, err
		}

		values, err := unpack(args, eventABI, logData)
		if err != nil {
			return nil, fmt.Errorf("decoding %s.%s at %s: %w", src.ContractName, eventABI.Name, raw.Checkpoint, err)
		}

		decoded = append(decoded, DecodedEvent{
			ChainID:         raw.ChainID,
			ContractName:    src.ContractName,
			LogEventName:    eventABI.Name,
			Args:            values,
			ID:              raw.Checkpoint,
			Checkpoint:      raw.Checkpoint,
			BlockNumber:     raw.BlockNumber,
			BlockHash:       raw.BlockHash,
			LogIndex:        raw.LogIndex,
			TransactionHash: raw.TransactionHash,
		})
	}

	return decoded, nil
}

func matchEventABI(events []EventABI, topic0 *string) (EventABI, bool) {
	if topic0 == nil {
		return EventABI{}, false
	}
	want := common.HexToHash(*topic0)
	for _, e := range events {
		if e.Topic0() == want {
			return e, true
		}
	}
	return EventABI{}, false
}

// unpack splits an event's indexed arguments (read from topic1..3 in
// declaration order) from its non-indexed arguments (ABI-unpacked from
// data), matching how go-ethereum's abi.Arguments separates the two for
// log decoding.
func unpack(args abi.Arguments, e EventABI, logData store.LogEventData) (map[string]any, error) {
	result := make(map[string]any, len(args))

	topics := []*string{logData.Topic1, logData.Topic2, logData.Topic3}
	topicIdx := 0
	var nonIndexed abi.Arguments

	for i, input := range args {
		if input.Indexed {
			if topicIdx >= len(topics) || topics[topicIdx] == nil {
				return nil, fmt.Errorf("missing indexed topic for argument %s", input.Name)
			}
			result[input.Name] = decodeIndexedTopic(e.Inputs[i].Type, *topics[topicIdx])
			topicIdx++
			continue
		}
		nonIndexed = append(nonIndexed, input)
	}

	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(common.FromHex(logData.Data))
		if err != nil {
			return nil, fmt.Errorf("unpacking data: %w", err)
		}
		for i, arg := range nonIndexed {
			result[arg.Name] = values[i]
		}
	}

	return result, nil
}

// decodeIndexedTopic extracts the right-aligned value out of a 32-byte
// topic word for the common indexed types; anything else is returned as
// the raw hash, leaving finer decoding to the caller.
func decodeIndexedTopic(solidityType, topicHex string) any {
	hash := common.HexToHash(topicHex)
	switch {
	case solidityType == "address":
		return common.BytesToAddress(hash.Bytes()).Hex()
	case solidityType == "bool":
		return hash[len(hash)-1] != 0
	default:
		return hash.Hex()
	}
}
