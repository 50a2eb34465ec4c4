package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chainindex/pkg/chain/rpc"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	maxReconnectAttempts  = 10
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

func reconnectBackoff(attempt int) time.Duration {
	backoff := initialReconnectDelay * time.Duration(uint(1)<<uint(attempt))
	if backoff > maxReconnectDelay {
		backoff = maxReconnectDelay
	}
	return backoff
}

// FollowerEventKind tags the three notification kinds a tip follower emits
// (§4.7). Unlike RealtimeEvent, a FollowerEvent carries only the raw block
// reference the follower observed; the coordinator wraps this into the
// translated downstream RealtimeEvent (§4.8's "Realtime translation").
type FollowerEventKind string

const (
	FollowerBlock    FollowerEventKind = "block"
	FollowerReorg    FollowerEventKind = "reorg"
	FollowerFinalize FollowerEventKind = "finalize"
)

// FollowerEvent is one raw notification from a RealtimeSync.
type FollowerEvent struct {
	Kind  FollowerEventKind
	Block BlockRef
}

type lightBlock struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
	Timestamp  uint64
}

func (b lightBlock) ref() BlockRef {
	return BlockRef{Number: b.Number, Hash: b.Hash.Hex(), Timestamp: b.Timestamp}
}

// RealtimeSync is the per-chain tip follower of §4.7: starting from
// finalizedBlock, it watches new heads (via a websocket newHeads
// subscription when wsURL is configured, otherwise by polling) and emits
// block/reorg/finalize notifications in strict temporal order.
type RealtimeSync struct {
	chainID       uint64
	client        *rpc.Client
	wsURL         string
	pollInterval  time.Duration
	finalityDepth uint64
	metrics       Recorder
	onFatal       FatalErrorFunc

	mu             sync.Mutex
	chain          []lightBlock // unfinalized blocks, ascending, tip last
	finalizedBlock lightBlock

	done chan struct{}
}

// NewRealtimeSync constructs a RealtimeSync seeded at finalizedBlock.
func NewRealtimeSync(chainID uint64, client *rpc.Client, wsURL string, pollInterval time.Duration, finalityDepth uint64, finalizedBlock BlockRef, metrics Recorder, onFatal FatalErrorFunc) *RealtimeSync {
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &RealtimeSync{
		chainID:       chainID,
		client:        client,
		wsURL:         wsURL,
		pollInterval:  pollInterval,
		finalityDepth: finalityDepth,
		metrics:       metrics,
		onFatal:       onFatal,
		finalizedBlock: lightBlock{
			Hash: common.HexToHash(finalizedBlock.Hash), Number: finalizedBlock.Number, Timestamp: finalizedBlock.Timestamp,
		},
		done: make(chan struct{}),
	}
}

// Run watches new heads until ctx is canceled or kill() is called,
// delivering FollowerEvents to onEvent in order. Connection-level failures
// (a dropped websocket, a failed poll) are reconnected with the same
// exponential backoff the teacher's ingestion Service uses; a processHeader
// error is an invariant violation (e.g. a reorg crossing the finalized
// block) and is fatal (§7) — it is reported via onFatal and Run returns.
func (r *RealtimeSync) Run(ctx context.Context, onEvent func(FollowerEvent) error) error {
	if r.metrics != nil {
		r.metrics.SetRealtimeConnected(r.chainID, true)
	}
	defer func() {
		if r.metrics != nil {
			r.metrics.SetRealtimeConnected(r.chainID, false)
		}
	}()

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			backoff := reconnectBackoff(attempt)
			log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Uint64("chain_id", r.chainID).Msg("reconnecting realtime follower")
			select {
			case <-ctx.Done():
				return nil
			case <-r.done:
				return nil
			case <-time.After(backoff):
			}
		}

		fatal, err := r.runOnce(ctx, onEvent)
		if fatal {
			if r.onFatal != nil {
				r.onFatal(r.chainID, err)
			}
			return nil
		}
		if err == nil {
			return nil
		}
		log.Error().Err(err).Uint64("chain_id", r.chainID).Msg("realtime follower connection error")
	}

	if r.onFatal != nil {
		r.onFatal(r.chainID, fmt.Errorf("realtime follower: exhausted reconnect attempts"))
	}
	return nil
}

// runOnce drives one connection attempt. It returns (true, err) for a fatal
// processing error and (false, err) for a reconnectable connection error;
// (false, nil) means ctx/kill ended the loop cleanly.
func (r *RealtimeSync) runOnce(ctx context.Context, onEvent func(FollowerEvent) error) (bool, error) {
	headCh := make(chan *big.Int, 16)
	errCh := make(chan error, 1)

	if r.wsURL != "" {
		go r.streamWS(ctx, headCh, errCh)
	} else {
		go r.pollHeads(ctx, headCh, errCh)
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-r.done:
			return false, nil
		case err := <-errCh:
			return false, err
		case number := <-headCh:
			header, err := r.client.HeaderByNumber(ctx, number)
			if err != nil {
				return false, fmt.Errorf("fetching header %s: %w", number, err)
			}
			if err := r.processHeader(ctx, header, onEvent); err != nil {
				return true, err
			}
		}
	}
}

// Kill stops the follower loop.
func (r *RealtimeSync) Kill() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *RealtimeSync) processHeader(ctx context.Context, header *types.Header, onEvent func(FollowerEvent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	newBlock := lightBlock{Hash: header.Hash(), ParentHash: header.ParentHash, Number: header.Number.Uint64(), Timestamp: header.Time}

	tip, hasTip := r.tipLocked()
	if hasTip && newBlock.ParentHash == tip.Hash {
		r.chain = append(r.chain, newBlock)
		if err := onEvent(FollowerEvent{Kind: FollowerBlock, Block: newBlock.ref()}); err != nil {
			return err
		}
	} else if !hasTip && newBlock.ParentHash == r.finalizedBlock.Hash {
		r.chain = append(r.chain, newBlock)
		if err := onEvent(FollowerEvent{Kind: FollowerBlock, Block: newBlock.ref()}); err != nil {
			return err
		}
	} else {
		ancestor, segment, err := r.findCommonAncestor(ctx, newBlock)
		if err != nil {
			return fmt.Errorf("reorg: %w", err)
		}

		r.pruneAboveLocked(ancestor)
		if r.metrics != nil {
			r.metrics.RecordReorgDepth(r.chainID, newBlock.Number-ancestor.Number)
		}
		if err := onEvent(FollowerEvent{Kind: FollowerReorg, Block: ancestor.ref()}); err != nil {
			return err
		}

		for _, b := range segment {
			r.chain = append(r.chain, b)
			if err := onEvent(FollowerEvent{Kind: FollowerBlock, Block: b.ref()}); err != nil {
				return err
			}
		}
	}

	if r.metrics != nil {
		r.metrics.SetLastBlockSeen(r.chainID, newBlock.Number)
	}

	return r.checkFinalizeLocked(newBlock, onEvent)
}

func (r *RealtimeSync) tipLocked() (lightBlock, bool) {
	if len(r.chain) == 0 {
		return lightBlock{}, false
	}
	return r.chain[len(r.chain)-1], true
}

// findCommonAncestor walks backward from newHead via parentHash, fetching
// full blocks by hash, until it reaches a hash already present in the local
// chain or the finalized block — that is the common ancestor (§4.7). If
// the walk would cross below the finalized block, the reorg is fatal.
func (r *RealtimeSync) findCommonAncestor(ctx context.Context, newHead lightBlock) (lightBlock, []lightBlock, error) {
	segment := []lightBlock{newHead}
	cursor := newHead

	for {
		if cursor.ParentHash == r.finalizedBlock.Hash {
			reverse(segment)
			return r.finalizedBlock, segment, nil
		}
		for _, b := range r.chain {
			if b.Hash == cursor.ParentHash {
				reverse(segment)
				return b, segment, nil
			}
		}

		if cursor.Number <= r.finalizedBlock.Number+1 {
			return lightBlock{}, nil, fmt.Errorf("reorg ancestor would cross finalized block %d", r.finalizedBlock.Number)
		}

		parent, err := r.client.BlockByHash(ctx, cursor.ParentHash)
		if err != nil {
			return lightBlock{}, nil, fmt.Errorf("walking reorg ancestry: %w", err)
		}
		cursor = lightBlock{Hash: parent.Hash(), ParentHash: parent.ParentHash(), Number: parent.NumberU64(), Timestamp: parent.Time()}
		segment = append(segment, cursor)
	}
}

func reverse(blocks []lightBlock) {
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
}

func (r *RealtimeSync) pruneAboveLocked(ancestor lightBlock) {
	kept := r.chain[:0]
	for _, b := range r.chain {
		if b.Number <= ancestor.Number {
			kept = append(kept, b)
		}
	}
	r.chain = kept
}

func (r *RealtimeSync) checkFinalizeLocked(head lightBlock, onEvent func(FollowerEvent) error) error {
	if head.Number <= r.finalityDepth {
		return nil
	}
	newFinalizedNumber := head.Number - r.finalityDepth
	if newFinalizedNumber <= r.finalizedBlock.Number {
		return nil
	}

	var newFinalized *lightBlock
	for i := range r.chain {
		if r.chain[i].Number == newFinalizedNumber {
			newFinalized = &r.chain[i]
			break
		}
	}
	if newFinalized == nil {
		return nil
	}

	finalized := *newFinalized
	r.finalizedBlock = finalized

	kept := r.chain[:0]
	for _, b := range r.chain {
		if b.Number > finalized.Number {
			kept = append(kept, b)
		}
	}
	r.chain = kept

	return onEvent(FollowerEvent{Kind: FollowerFinalize, Block: finalized.ref()})
}

func (r *RealtimeSync) pollHeads(ctx context.Context, headCh chan<- *big.Int, errCh chan<- error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.mu.Lock()
	lastSeen := r.finalizedBlock.Number
	if tip, ok := r.tipLocked(); ok {
		lastSeen = tip.Number
	}
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			number, err := r.client.BlockNumber(ctx)
			if err != nil {
				errCh <- fmt.Errorf("polling block number: %w", err)
				return
			}
			if number <= lastSeen {
				continue
			}
			for n := lastSeen + 1; n <= number; n++ {
				select {
				case headCh <- new(big.Int).SetUint64(n):
				case <-ctx.Done():
					return
				}
			}
			lastSeen = number
		}
	}
}

// streamWS subscribes to newHeads over a websocket connection, generalizing
// the teacher's WSClient (ping/pong keepalive, read-deadline reset) from a
// logs subscription to a head subscription.
func (r *RealtimeSync) streamWS(ctx context.Context, headCh chan<- *big.Int, errCh chan<- error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		errCh <- fmt.Errorf("dialing websocket: %w", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []interface{}{"newHeads"}}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		errCh <- fmt.Errorf("subscribing to newHeads: %w", err)
		return
	}

	go r.wsPingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			errCh <- fmt.Errorf("reading websocket message: %w", err)
			return
		}

		var notification struct {
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(message, &notification); err != nil {
			log.Warn().Err(err).Msg("failed to parse newHeads notification")
			continue
		}
		if notification.Params.Result.Number == "" {
			continue
		}

		number := new(big.Int)
		if _, ok := number.SetString(notification.Params.Result.Number[2:], 16); !ok {
			continue
		}

		select {
		case headCh <- number:
		case <-ctx.Done():
			return
		}
	}
}

func (r *RealtimeSync) wsPingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}
