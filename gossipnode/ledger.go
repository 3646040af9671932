// Package gossipnode wires the gossip core (gossip, peerconn, peer, network)
// into a runnable node: an in-memory ledger stand-in, a peer table
// implementing both node.Node and network.Registry, and a Run loop that
// drives peer.Peer.Advance on a ticker. It exists for cmd/gossipnode and for
// tests that need a working Node/Ledger pair; a real embedder supplies its own
// ledger and node implementation instead.
package gossipnode

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"dex/ledger"
	"dex/types"
)

// MemLedger is a minimal in-memory chain: a genesis block and whatever blocks
// ReceiveBlock has accepted, linked by their declared "previous" field. It
// implements only the handful of operations the gossip core needs (get,
// previous, height, genesis/highest, ingest); block validation and consensus
// live outside this package.
type MemLedger struct {
	mu sync.RWMutex

	genesis types.Hash
	highest types.Hash
	height  uint64

	blocks map[types.Hash]types.BlockPayload
}

// NewMemLedger creates a ledger seeded with a single genesis block.
func NewMemLedger() *MemLedger {
	genesisBlock := types.BlockPayload{
		"height":   uint64(0),
		"previous": "",
	}
	genesisHash := hashBlock(genesisBlock)
	return &MemLedger{
		genesis: genesisHash,
		highest: genesisHash,
		height:  0,
		blocks: map[types.Hash]types.BlockPayload{
			genesisHash: genesisBlock,
		},
	}
}

func hashBlock(b types.BlockPayload) types.Hash {
	return types.HashBytes([]byte(fmt.Sprintf("%v", b)))
}

// Mutex implements ledger.Reader.
func (l *MemLedger) Mutex() *sync.RWMutex { return &l.mu }

// Genesis implements ledger.Reader. Callers must hold Mutex() for a
// consistent read when composing it with other calls.
func (l *MemLedger) Genesis() types.Hash { return l.genesis }

// Highest implements ledger.Reader.
func (l *MemLedger) Highest() types.Hash { return l.highest }

// Height implements ledger.Reader.
func (l *MemLedger) Height() uint64 { return l.height }

// Get implements ledger.Reader.
func (l *MemLedger) Get(hash types.Hash) (types.BlockPayload, bool) {
	b, ok := l.blocks[hash]
	return b, ok
}

// Previous implements ledger.Reader.
func (l *MemLedger) Previous(block types.BlockPayload) types.Hash {
	prev, _ := block["previous"].(string)
	if prev == "" {
		return types.ZeroHash
	}
	return types.Hash(prev)
}

// ReceiveTransaction implements ledger.Writer. This in-memory ledger has no
// mempool; it accepts any well-formed transaction without applying it.
func (l *MemLedger) ReceiveTransaction(tx types.BlockPayload) error {
	if tx == nil {
		return fmt.Errorf("gossipnode: nil transaction")
	}
	return nil
}

// ReceiveBlock implements ledger.Writer: link a new block onto whatever it
// declares as its previous hash, and advance highest/height if it extends the
// current chain. wasRequested is accepted but not distinguished by this
// fixture ledger; a real ledger would treat a fetched ancestor differently
// from an unsolicited head.
func (l *MemLedger) ReceiveBlock(block types.BlockPayload, wasRequested bool) error {
	prevRaw, ok := block["previous"].(string)
	if !ok {
		return fmt.Errorf("gossipnode: block missing previous field")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.blocks[types.Hash(prevRaw)]; !ok && types.Hash(prevRaw) != types.ZeroHash {
		return fmt.Errorf("gossipnode: unknown parent %s", prevRaw)
	}
	hash := hashBlock(block)
	l.blocks[hash] = block
	// Locally built blocks carry height as uint64; blocks decoded from the
	// wire carry it as json.Number.
	var height uint64
	switch h := block["height"].(type) {
	case uint64:
		height = h
	case json.Number:
		height, _ = strconv.ParseUint(string(h), 10, 64)
	}
	if height >= l.height {
		l.height = height
		l.highest = hash
	}
	return nil
}

var _ ledger.Ledger = (*MemLedger)(nil)
