package store

// Block is the raw cached representation of a chain block (§3): Body holds
// the canonical JSON of the full block minus its transaction list.
type Block struct {
	Hash      string
	ChainID   uint64
	Number    uint64
	Timestamp uint64
	Body      []byte
}

// Log is the raw cached representation of a single emitted log.
type Log struct {
	BlockHash       string
	LogIndex        uint64
	ChainID         uint64
	BlockNumber     uint64
	Address         string
	Topic0          *string
	Topic1          *string
	Topic2          *string
	Topic3          *string
	Data            []byte
	TransactionHash string
	Body            []byte
}

// Transaction is the raw cached representation of a transaction that was
// referenced by at least one matched log.
type Transaction struct {
	Hash             string
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	Body             []byte
}

// TransactionReceipt is the raw cached representation of a transaction
// receipt.
type TransactionReceipt struct {
	Hash        string
	ChainID     uint64
	BlockNumber uint64
	Body        []byte
}

// Address is a child address discovered under a factory filter.
type Address struct {
	ChainID     uint64
	FilterID    string
	BlockNumber uint64
	Address     string
}

// Event is a materialized filter hit (§3): Data is nil for block events and
// the minimal log payload ({data, topic0..topic3}) for log events, encoded
// as JSON.
type Event struct {
	FilterID        string
	Checkpoint      string
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       string
	LogIndex        uint64
	TransactionHash string
	Data            []byte
}

// LogEventData is the JSON shape persisted into Event.Data for log events.
type LogEventData struct {
	Data   string  `json:"data"`
	Topic0 *string `json:"topic0"`
	Topic1 *string `json:"topic1"`
	Topic2 *string `json:"topic2"`
	Topic3 *string `json:"topic3"`
}

// EventQuery selects a page of materialized events ordered by
// (checkpoint asc, filter_id asc).
type EventQuery struct {
	FilterIDs []string
	From      string // exclusive
	To        string // inclusive
	Limit     int
}

// EventPage is the result of GetEvents: the returned rows plus the cursor
// to resume pagination from.
type EventPage struct {
	Events []Event
	Cursor string
}
