// Package gossip defines the wire-level message of the peer protocol: a tagged
// variant serialized as the ordered pair [counter, object], where object is a
// self-describing JSON map keyed by an action field. Block and transaction
// bodies inside that object stay opaque payloads; the gossip core never
// interprets them.
package gossip

import (
	"errors"
	"fmt"

	"dex/types"
)

// Action names the Gossip variant on the wire.
type Action string

const (
	ActionQuery       Action = "query"
	ActionIndex       Action = "index"
	ActionPassive     Action = "passive"
	ActionBlock       Action = "block"
	ActionTransaction Action = "tx"
	ActionFetch       Action = "fetch"
	ActionResult      Action = "result"
	ActionError       Action = "error"
	ActionForget      Action = "forget"
)

// Errors returned by Codec.DecodeFrame and Codec.EncodeFrame. Wrapped with context via fmt.Errorf("...: %w", ...).
var (
	ErrMissingActionKey     = errors.New("gossip: missing action key")
	ErrUnknownAction        = errors.New("gossip: unknown action")
	ErrDeserializationFailed = errors.New("gossip: deserialization failed")
	ErrLimitExceeded        = errors.New("gossip: limit exceeded")
)

// Gossip is the tagged variant carried by every wire frame. Only the payload
// fields marked below for a given Action are meaningful; the others are zero.
type Gossip struct {
	Action Action

	Index   types.Index             // ActionIndex
	Block   types.BlockPayload      // ActionBlock, ActionResult (the primary block)
	Tx      types.BlockPayload      // ActionTransaction
	Hash    types.Hash              // ActionFetch
	Extra   uint32                  // ActionFetch: ancestor count requested
	Result  map[types.Hash]types.BlockPayload // ActionResult: predecessor hash -> payload
	Message string                  // ActionError
}

func Query() Gossip                { return Gossip{Action: ActionQuery} }
func Passive() Gossip              { return Gossip{Action: ActionPassive} }
func Forget() Gossip               { return Gossip{Action: ActionForget} }
func IndexReply(idx types.Index) Gossip { return Gossip{Action: ActionIndex, Index: idx} }
func BlockGossip(b types.BlockPayload) Gossip {
	return Gossip{Action: ActionBlock, Block: b}
}
func TxGossip(tx types.BlockPayload) Gossip {
	return Gossip{Action: ActionTransaction, Tx: tx}
}
func Fetch(hash types.Hash, extra uint32) Gossip {
	return Gossip{Action: ActionFetch, Hash: hash, Extra: extra}
}
func Result(block types.BlockPayload, extra map[types.Hash]types.BlockPayload) Gossip {
	return Gossip{Action: ActionResult, Block: block, Result: extra}
}
func Error(message string) Gossip {
	return Gossip{Action: ActionError, Message: message}
}

// String is used only for logging.
func (g Gossip) String() string {
	return fmt.Sprintf("Gossip{action=%s}", g.Action)
}
