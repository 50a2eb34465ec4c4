// Package filter implements the declarative description of what to index:
// log filters, child-address (factory) filters, and block-interval
// filters, plus the canonical filterId that keys every cache lookup.
package filter

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind distinguishes the two cache namespaces a filter can live in: events
// matched by the filter itself, or addresses discovered by a child-address
// filter acting as a factory.
type Kind string

const (
	KindEvent   Kind = "event"
	KindAddress Kind = "address"
)

// ChildAddressLocation describes where in a matching log a 20-byte child
// address is read from.
type ChildAddressLocation struct {
	// Topic, when non-zero, selects topics[Topic] (1, 2, or 3).
	Topic int
	// Offset, when Topic is zero, selects the 32-byte data word at index
	// Offset; the address is the low 20 bytes of that word.
	Offset int
	// FromTopic reports which of Topic/Offset is active, since both zero
	// values are otherwise indistinguishable (topic1 vs offset0).
	FromTopic bool
}

// AddressConstraint is one of: absent (zero value), a single address, a set
// of addresses, or a child-address filter. Exactly one of the typed fields
// is populated; Child, when set, makes this a factory-derived constraint.
type AddressConstraint struct {
	Single string
	Set    []string
	Child  *ChildAddressFilter
}

// IsEmpty reports whether the constraint is absent (matches every address).
func (a AddressConstraint) IsEmpty() bool {
	return a.Single == "" && len(a.Set) == 0 && a.Child == nil
}

// IsChildAddressFilter reports true iff x is a child-address constraint
// rather than a literal address or set — mirroring §4.1's
// isChildAddressFilter(x), which treats "object, not string, not array" as
// the discriminator.
func (a AddressConstraint) IsChildAddressFilter() bool {
	return a.Child != nil
}

// TopicConstraint is one position of a four-position topic filter. Nil
// means wildcard; a single string requires equality; multiple strings
// require membership.
type TopicConstraint []string

// ChildAddressFilter derives its address set at runtime from logs emitted
// by a parent event (e.g. factory -> pair discovery).
type ChildAddressFilter struct {
	ChainID       uint64
	Address       AddressConstraint
	EventSelector string // topic0 of the parent event
	Location      ChildAddressLocation
}

// LogFilter matches logs by chain, address, topics and block range.
type LogFilter struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   *uint64 // nil means open-ended
	Address   AddressConstraint
	Topics    [4]TopicConstraint // topics[0] is the event selector
}

// BlockFilter matches block numbers N where (N - Offset) mod Interval == 0.
type BlockFilter struct {
	ChainID   uint64
	Interval  uint64
	Offset    uint64
	FromBlock uint64
	ToBlock   *uint64
}

// Filter is the tagged variant described by §3: exactly one of Log/Block is
// non-nil.
type Filter struct {
	Log   *LogFilter
	Block *BlockFilter
}

// ChainID returns the chain id common to whichever variant is populated.
func (f Filter) ChainID() uint64 {
	switch {
	case f.Log != nil:
		return f.Log.ChainID
	case f.Block != nil:
		return f.Block.ChainID
	default:
		panic("filter: empty Filter has no chain id")
	}
}

// Bounds returns the filter's [fromBlock, toBlock] window; toBlock is nil
// for an open-ended filter.
func (f Filter) Bounds() (from uint64, to *uint64) {
	switch {
	case f.Log != nil:
		return f.Log.FromBlock, f.Log.ToBlock
	case f.Block != nil:
		return f.Block.FromBlock, f.Block.ToBlock
	default:
		panic("filter: empty Filter has no bounds")
	}
}

// ID computes the stable filter id: the kind tag, a colon, and the hex
// SHA-256 of the kind tag followed by a canonical text encoding of the
// filter. Canonicalization writes fields in a fixed key order, lowercases
// addresses, and collapses single-element topic/address lists to their
// element, so that semantically identical filters hash identically
// regardless of how the caller constructed them.
func ID(kind Kind, f Filter) string {
	canon := canonicalize(f)
	h := sha256.Sum256(append([]byte(kind), canon...))
	return string(kind) + ":" + hex.EncodeToString(h[:])
}

// ChildAddressFilterID computes the id for a child-address filter in its
// own right, i.e. as the KindAddress cache key that insertAddresses /
// getAddresses key off of.
func ChildAddressFilterID(c *ChildAddressFilter) string {
	canon := canonicalizeChild(c)
	h := sha256.Sum256(append([]byte(KindAddress), canon...))
	return string(KindAddress) + ":" + hex.EncodeToString(h[:])
}

// canonicalize produces a deterministic byte representation of a filter.
// It builds an ordered tree of key/value pairs rather than relying on
// encoding/json's map ordering (which already sorts, but we want addresses
// lowercased and topic lists collapsed first).
func canonicalize(f Filter) []byte {
	var buf bytes.Buffer
	switch {
	case f.Log != nil:
		buf.WriteString("log{")
		fmt.Fprintf(&buf, "chainId:%d,", f.Log.ChainID)
		fmt.Fprintf(&buf, "fromBlock:%d,", f.Log.FromBlock)
		buf.WriteString("toBlock:")
		writeOptionalUint(&buf, f.Log.ToBlock)
		buf.WriteString(",address:")
		buf.Write(canonicalizeAddress(f.Log.Address))
		buf.WriteString(",topics:[")
		for i, t := range f.Log.Topics {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(canonicalizeTopic(t))
		}
		buf.WriteString("]}")
	case f.Block != nil:
		buf.WriteString("block{")
		fmt.Fprintf(&buf, "chainId:%d,", f.Block.ChainID)
		fmt.Fprintf(&buf, "interval:%d,", f.Block.Interval)
		fmt.Fprintf(&buf, "offset:%d,", f.Block.Offset)
		fmt.Fprintf(&buf, "fromBlock:%d,", f.Block.FromBlock)
		buf.WriteString("toBlock:")
		writeOptionalUint(&buf, f.Block.ToBlock)
		buf.WriteString("}")
	default:
		panic("filter: canonicalize called on empty Filter")
	}
	return buf.Bytes()
}

func canonicalizeChild(c *ChildAddressFilter) []byte {
	var buf bytes.Buffer
	buf.WriteString("child{")
	fmt.Fprintf(&buf, "chainId:%d,", c.ChainID)
	buf.WriteString("address:")
	buf.Write(canonicalizeAddress(c.Address))
	fmt.Fprintf(&buf, ",eventSelector:%s,", strings.ToLower(c.EventSelector))
	if c.Location.FromTopic {
		fmt.Fprintf(&buf, "location:topic%d", c.Location.Topic)
	} else {
		fmt.Fprintf(&buf, "location:offset%d", c.Location.Offset)
	}
	buf.WriteString("}")
	return buf.Bytes()
}

func canonicalizeAddress(a AddressConstraint) []byte {
	switch {
	case a.Child != nil:
		return canonicalizeChild(a.Child)
	case len(a.Set) > 0:
		lowered := make([]string, len(a.Set))
		for i, s := range a.Set {
			lowered[i] = strings.ToLower(s)
		}
		sort.Strings(lowered)
		if len(lowered) == 1 {
			b, _ := json.Marshal(lowered[0])
			return b
		}
		b, _ := json.Marshal(lowered)
		return b
	case a.Single != "":
		b, _ := json.Marshal(strings.ToLower(a.Single))
		return b
	default:
		return []byte("null")
	}
}

func canonicalizeTopic(t TopicConstraint) []byte {
	if t == nil {
		return []byte("null")
	}
	lowered := make([]string, len(t))
	for i, s := range t {
		lowered[i] = strings.ToLower(s)
	}
	if len(lowered) == 1 {
		b, _ := json.Marshal(lowered[0])
		return b
	}
	sort.Strings(lowered)
	b, _ := json.Marshal(lowered)
	return b
}

func writeOptionalUint(buf *bytes.Buffer, v *uint64) {
	if v == nil {
		buf.WriteString("null")
		return
	}
	fmt.Fprintf(buf, "%d", *v)
}

// MatchesLog reports whether a log satisfies a log filter's address and
// topic constraints. The child-address case always returns true here: the
// caller is expected to have already resolved the child address set and
// restricted the query/predicate accordingly (§4.1).
func MatchesLog(address string, topics [4]string, hasTopic [4]bool, lf LogFilter) bool {
	address = strings.ToLower(address)

	if !lf.Address.IsEmpty() && !lf.Address.IsChildAddressFilter() {
		if lf.Address.Single != "" && strings.ToLower(lf.Address.Single) != address {
			return false
		}
		if len(lf.Address.Set) > 0 && !containsLower(lf.Address.Set, address) {
			return false
		}
	}

	for i, constraint := range lf.Topics {
		if constraint == nil {
			continue
		}
		if !hasTopic[i] {
			return false
		}
		if !containsLower(constraint, topics[i]) {
			return false
		}
	}
	return true
}

func containsLower(set []string, value string) bool {
	value = strings.ToLower(value)
	for _, s := range set {
		if strings.ToLower(s) == value {
			return true
		}
	}
	return false
}

// MatchesBlock reports whether block number n satisfies a block filter:
// (n - offset) mod interval == 0, within [fromBlock, toBlock].
func MatchesBlock(n uint64, bf BlockFilter) bool {
	if n < bf.FromBlock {
		return false
	}
	if bf.ToBlock != nil && n > *bf.ToBlock {
		return false
	}
	if n < bf.Offset {
		return false
	}
	return (n-bf.Offset)%bf.Interval == 0
}
