// Package ledger declares the capability set the gossip core needs from the
// blockchain engine. The engine itself (consensus, storage, transaction
// validation) is out of scope for this module: it is an external collaborator
// referenced only through this interface, so transport code never needs the
// concrete storage implementation.
package ledger

import (
	"sync"

	"dex/types"
)

// Reader is the read-side contract the gossip core relies on: genesis/highest of
// the longest chain, height, and lookup by hash, all guarded by a single coarse
// mutex the caller must hold for the duration of a traversal. Lock order is
// always peer -> ledger, never the reverse.
type Reader interface {
	// Mutex returns the ledger's coarse read/write lock. Callers take it before
	// calling Genesis/Highest/Height/Get when they need a consistent view across
	// more than one call (e.g. walking a chain of ancestors for a fetch reply).
	Mutex() *sync.RWMutex

	Genesis() types.Hash
	Highest() types.Hash
	Height() uint64

	// Get looks up a block by hash on the longest chain and reports whether it
	// was found. The returned payload is opaque to the gossip core.
	Get(hash types.Hash) (types.BlockPayload, bool)

	// Previous returns the hash a block payload points to as its parent, or
	// types.ZeroHash if the payload has no previous block (i.e. it is genesis).
	Previous(block types.BlockPayload) types.Hash
}

// Writer is the ingestion contract: applying incoming transactions and blocks.
// wasRequested distinguishes a block received in reply to a fetch from one
// received as unsolicited gossip.
type Writer interface {
	ReceiveTransaction(tx types.BlockPayload) error
	ReceiveBlock(block types.BlockPayload, wasRequested bool) error
}

// Ledger is the full capability set consumed by the peer package.
type Ledger interface {
	Reader
	Writer
}
